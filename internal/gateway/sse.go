package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowcore-ai/flowcore/internal/bus"
	"github.com/flowcore-ai/flowcore/internal/platform/response"
)

const sseKeepAlive = 25 * time.Second

// streamEvents serves the execution event feed as Server-Sent Events:
// the persisted log first, then live events until the client disconnects
// or the execution reaches a terminal status.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, response.ErrInternal.WithMessage("streaming unsupported"))
		return
	}

	exec, err := h.store.Executions().Get(r.Context(), id)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}

	// Subscribe before replay so no event falls between the two.
	sub := h.hub.bus.Subscribe(bus.Filter{ExecutionID: id})
	defer sub.Unsubscribe()

	persisted, err := h.store.Events().ListByExecution(r.Context(), id)
	if err != nil {
		response.Error(w, mapError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	for _, e := range persisted {
		writeSSE(w, e)
		lastSeq = e.Sequence
	}
	flusher.Flush()

	if exec.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Sequence != 0 && e.Sequence <= lastSeq {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
			lastSeq = e.Sequence
		}
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}
