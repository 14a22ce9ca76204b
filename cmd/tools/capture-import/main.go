// capture-import converts a packet capture of bridge traffic into a raw
// recording. The serial bridge firmware can mirror every notification payload
// as a UDP datagram; capture that mirror with tcpdump and this tool rewrites
// the datagrams as a recording the replay engine can play.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/amused-data/amused/internal/rawstream"
)

var (
	inFile  = flag.String("in", "", "pcap file to import (required)")
	outFile = flag.String("out", "", "recording to write (required)")
	udpPort = flag.Int("port", 9713, "UDP port the bridge mirrors to")
)

func main() {
	flag.Parse()
	if *inFile == "" || *outFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*inFile, *outFile, *udpPort); err != nil {
		log.Fatalf("capture-import: %v", err)
	}
}

func run(inPath, outPath string, port int) error {
	f, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("read pcap header: %w", err)
	}

	writer, err := rawstream.NewWriter(outPath)
	if err != nil {
		return err
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var (
		firstSet  bool
		firstTime float64
		imported  int
		skipped   int
	)
	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.DstPort) != port {
			skipped++
			continue
		}
		payload := udp.Payload
		if len(payload) == 0 {
			skipped++
			continue
		}

		captured := float64(packet.Metadata().Timestamp.UnixNano()) / 1e9
		if !firstSet {
			firstTime = captured
			firstSet = true
		}
		ts := captured - firstTime

		if err := writer.Write(payload[0], payload, ts); err != nil {
			writer.Close()
			return err
		}
		imported++
	}

	if err := writer.Close(); err != nil {
		return err
	}
	if imported == 0 {
		os.Remove(outPath)
		return fmt.Errorf("no UDP payloads on port %d in %s", port, inPath)
	}
	log.Printf("imported %d packets to %s (%d skipped)", imported, outPath, skipped)
	return nil
}
