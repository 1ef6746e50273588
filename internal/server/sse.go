package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/streamsync"
)

// sseKeepaliveInterval is how often keepalive comments are sent to
// prevent connection timeouts.
const sseKeepaliveInterval = 15 * time.Second

// handleSync handles GET /v1/sync (SSE endpoint). Each cookie query
// parameter is a hex cookie from protocol.EncodeCookie; timeout_ms and
// shared mirror SyncStreams. Every session record is one SSE event named
// after its sync op, with the JSON SyncStreamsResponse as data.
func (s *StreamServer) handleSync(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	q := r.URL.Query()
	var cookies []protocol.SyncCookie
	for _, raw := range q["cookie"] {
		c, err := protocol.DecodeCookie(raw)
		if err != nil {
			writeRPCError(w, err)
			return
		}
		cookies = append(cookies, c)
	}
	var timeoutMs *int64
	if v := q.Get("timeout_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "timeout_ms: "+err.Error())
			return
		}
		timeoutMs = &ms
	}
	opts, err := s.syncOptions(r.Context(), timeoutMs)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	opts.Shared = q.Get("shared") == "true"

	ctx := r.Context()
	sess, err := s.sync.StartSync(ctx, cookies, opts)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	defer func() { _ = s.sync.CancelSync(ctx, sess.ID()) }()

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := &sseWriter{w: w, flusher: flusher}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case <-stop:
				return
			case <-keepalive.C:
				out.write(":keepalive\n\n")
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	var seq uint64
	err = pump(ctx, sess, func(rec *streamsync.Record) error {
		data, err := json.Marshal(toResponse(rec))
		if err != nil {
			return err
		}
		seq++
		out.write(fmt.Sprintf("id:%d\nevent:%s\ndata:%s\n\n", seq, rec.Op, data))
		return nil
	})
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		out.write(fmt.Sprintf("event:error\ndata:%s\n\n", data))
	}
}

// sseWriter serializes writes from the record pump and the keepalive ticker.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) write(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, frame)
	s.flusher.Flush()
}
