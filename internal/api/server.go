// Package api exposes a small HTTP surface over a live session: a status
// endpoint and a Server-Sent Events tail of biometric estimates. It consumes
// the session through the same bounded subscription queues as any other
// consumer and never touches decode or codec internals.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/amused-data/amused/internal/biometrics"
	"github.com/amused-data/amused/internal/session"
)

// Server serves status and estimate streams for one session.
type Server struct {
	sess    *session.Session
	started time.Time
}

// NewServer wraps a session.
func NewServer(sess *session.Session) *Server {
	return &Server{sess: sess, started: time.Now()}
}

// Handler returns the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/estimates/tail", s.handleTail)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sum := s.sess.Summary()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"session_id":       sum.ID,
		"preset":           string(sum.Preset),
		"uptime_seconds":   time.Since(s.started).Seconds(),
		"duration_seconds": sum.DurationSeconds,
		"packets":          sum.Packets,
		"eeg_samples":      sum.Decode.EEGSamples,
		"ppg_samples":      sum.Decode.PPGSamples,
		"imu_samples":      sum.Decode.IMUSamples,
		"decode_errors":    sum.Decode.DecodeErrors,
		"unknown_packets":  sum.Decode.UnknownPackets,
		"dropped_events":   sum.DroppedEvents,
		"record_path":      sum.RecordPath,
	}); err != nil {
		log.Printf("[api] encode status: %v", err)
	}
}

type tailEvent struct {
	Kind      string  `json:"kind"`
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
	Method    string  `json:"method"`
}

// handleTail streams heart-rate and oxygenation estimates as Server-Sent
// Events until the client goes away or the session closes.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	hr := s.sess.SubscribeHeartRate(32)
	ox := s.sess.SubscribeOxygenation(32)
	defer hr.Cancel()
	defer ox.Cancel()

	// Initial ping to establish the stream
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	hrC, oxC := hr.C(), ox.C()
	for hrC != nil || oxC != nil {
		var ev tailEvent
		select {
		case <-r.Context().Done():
			return
		case est, ok := <-hrC:
			if !ok {
				hrC = nil
				continue
			}
			ev = toTailEvent("heart_rate", est)
		case est, ok := <-oxC:
			if !ok {
				oxC = nil
				continue
			}
			ev = toTailEvent("oxygenation", est)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[api] marshal tail event: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func toTailEvent(kind string, est biometrics.Estimate) tailEvent {
	return tailEvent{
		Kind:      kind,
		Timestamp: est.Timestamp,
		Value:     est.Value,
		Method:    string(est.Method),
	}
}
