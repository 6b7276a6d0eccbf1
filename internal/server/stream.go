package server

import (
	"net/http"
	"time"

	"github.com/metaorcha/metaorcha/internal/codec"
	"github.com/metaorcha/metaorcha/internal/hub"
	"github.com/metaorcha/metaorcha/internal/model"
)

// stream writes the subscription as an event stream: the replay, then live
// events, then the [DONE] sentinel once the terminal event has been sent.
// A subscription that ends without a terminal event (the subscriber fell
// behind) ends the response without [DONE] so the client sees a drop.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, sub *hub.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	write := func(ev model.WorkflowEvent) bool {
		frame, err := codec.EncodeFrame(ev)
		if err != nil {
			h.logger.Error("stream: encode event", "workflow_id", ev.WorkflowID, "error", err)
			return true
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	finish := func() {
		if _, err := w.Write(codec.DoneFrame); err == nil {
			flusher.Flush()
		}
	}

	for _, ev := range sub.Replay {
		if !write(ev) {
			return
		}
		if ev.Type().IsTerminal() {
			finish()
			return
		}
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				h.logger.Warn("stream: subscriber dropped before terminal event",
					"workflow_id", r.PathValue("id"),
					"request_id", RequestIDFromContext(ctx))
				return
			}
			if !write(ev) {
				return
			}
			if ev.Type().IsTerminal() {
				finish()
				return
			}
		}
	}
}
