package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/arn-rudkov/dispatchpool"
)

// server wires HTTP endpoints to a dispatchpool.Dispatcher. Grounded
// on the teacher's Server (cmd/queue/server.go): same mux shape
// (/enqueue, /healthz, plus a new /shutdown), but the retry/backoff
// bookkeeping the teacher did by hand in processTask now lives inside
// the dispatcher itself.
type server struct {
	httpServer *http.Server
	dispatcher *dispatchpool.Dispatcher
	log        *slog.Logger
}

func newServer(addr string, d *dispatchpool.Dispatcher, log *slog.Logger) *server {
	s := &server{dispatcher: d, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/enqueue", s.handleEnqueue)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("dispatchpool demo\n\nPOST /enqueue {id,payload}\nGET /healthz\nPOST /shutdown\n"))
	})
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// handleEnqueue decodes the request body and calls Submit, returning
// 202 only once the dispatcher's synchronous EnqueueOutcome is known
// (unlike the teacher, which returned speculatively off a channel
// send). The eventual backend outcome is logged asynchronously via
// replyTo, not returned here.
func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	id := req.ID
	replyTo := dispatchpool.ReplyFunc(func(outcome dispatchpool.WorkOutcome) {
		s.log.Info("work outcome", "id", id, "kind", outcome.Kind, "reason", outcome.Reason, "duration", outcome.Duration)
	})

	outcome := s.dispatcher.Submit(req.Payload, replyTo)
	if !outcome.Accepted {
		s.log.Info("enqueue rejected", "id", id, "reason", outcome.Reason)
		http.Error(w, dispatchpool.RejectionMessage(outcome.Reason), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("enqueue accepted", "id", id)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("enqueued"))
}

// handleHealth reports pool size, breaker state, and queue length as
// JSON, generalizing the teacher's bare 200-OK handler.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	qs := s.dispatcher.Stats()
	ps := s.dispatcher.ProcessorStats()

	body := struct {
		QueueLength    int     `json:"queue_length"`
		PoolSize       int     `json:"pool_size"`
		BreakerState   string  `json:"breaker_state"`
		ErrorRate      float64 `json:"error_rate"`
		AbandonedTotal uint64  `json:"abandoned_total"`
	}{
		QueueLength:    qs.Length,
		PoolSize:       ps.PoolSize,
		BreakerState:   ps.BreakerState,
		ErrorRate:      ps.ErrorRate,
		AbandonedTotal: s.dispatcher.AbandonedCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// handleShutdown starts ShutdownGracefully with a fixed drain budget
// in the background and answers 202 at once, without waiting for the
// shutdown to complete.
func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.log.Info("shutdown requested via http")
	reportBack := make(chan struct{}, 1)
	go s.dispatcher.ShutdownGracefully(reportBack, 10*time.Second)
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("shutting down"))
}
