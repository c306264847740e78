package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

// handleStream serves a Server-Sent Events stream of one instance. The
// instance is sent on connect and again whenever its version changes. A
// "done" event is sent once it reaches a terminal stage.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key, err := s.instanceKey(r)
	if err != nil {
		http.Error(w, "invalid issue", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.poll)
	defer tick.Stop()

	var lastVersion int64 = -1
	for {
		inst, err := s.store.Load(r.Context(), key)
		switch {
		case errors.Is(err, pipeline.ErrNotFound):
			sendDone("instance not found")
			return
		case err != nil:
			if r.Context().Err() != nil {
				return
			}
			s.log.Warn().Err(err).Str("issue", key).Msg("stream load")
		case inst.Version != lastVersion:
			lastVersion = inst.Version
			data, err := json.Marshal(inst)
			if err != nil {
				sendDone("encode failed")
				return
			}
			fmt.Fprintf(w, "event: instance\ndata: %s\n\n", data)
			flusher.Flush()
			if inst.Stage.Terminal() {
				sendDone(string(inst.Stage))
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
