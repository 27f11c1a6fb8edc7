package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patchpilot/patchpilot/internal/registry"
)

// streamInterval is how often the event stream re-reads the run. Variable
// so tests can tighten it.
var streamInterval = 2 * time.Second

type eventPayload struct {
	Run   runView    `json:"run"`
	Steps []stepView `json:"steps"`
}

// handleEvents serves a Server-Sent Events stream of the run's state. It
// polls the registry and sends a "state" event whenever the run or a step
// changed, then a "done" event once the run reaches a terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.reg.GetRun(runID); err != nil {
		writeError(w, err)
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

	tick := time.NewTicker(streamInterval)
	defer tick.Stop()

	var last string
	for {
		run, err := s.reg.GetRun(runID)
		if err != nil {
			sendDone("run deleted")
			return
		}
		steps, err := s.reg.ListSteps(runID)
		if err != nil {
			sendDone("run deleted")
			return
		}

		payload, err := json.Marshal(eventPayload{Run: toRunView(run), Steps: toStepViews(steps)})
		if err != nil {
			sendDone("encode failed")
			return
		}
		if string(payload) != last {
			last = string(payload)
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload)
			flusher.Flush()
		}
		if registry.Terminal(run.Status) {
			sendDone(run.Status)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
