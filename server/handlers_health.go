package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/onnwee/stream-recorder/db"
)

// pollStaleAfter is how many poll intervals may pass without a heartbeat
// before the poller is reported stale.
const pollStaleAfter = 3

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the database answers and startup
// reconciliation has resolved every record left open by a previous run.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"reconciliation", func() error {
			if !h.coord.Reconciled() {
				return errors.New("startup reconciliation pending")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	resp := map[string]any{
		"status":            "ready",
		"active_recordings": len(h.coord.ListActive()),
	}
	// a stale poller only degrades the report; commands and EventSub still work
	if poll := h.livePollStatus(r.Context()); poll != nil {
		resp["live_poll"] = poll
	}
	writeJSON(w, http.StatusOK, resp)
}

type pollHeartbeat struct {
	LastPoll *time.Time `json:"last_live_poll"`
	Stale    bool       `json:"stale"`
	Error    string     `json:"error,omitempty"`
}

// livePollStatus reads the heartbeat the poller writes after every cycle.
// It returns nil when polling is disabled.
func (h *Handlers) livePollStatus(ctx context.Context) *pollHeartbeat {
	if h.db == nil || h.pollInterval <= 0 {
		return nil
	}
	st := &pollHeartbeat{}
	v, err := db.GetKV(ctx, h.db, h.heartbeatKey)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if v == "" {
		// no cycle has completed yet
		return st
	}
	last, err := time.Parse(time.RFC3339, v)
	if err != nil {
		st.Error = "unparseable heartbeat " + v
		return st
	}
	st.LastPoll = &last
	st.Stale = time.Since(last) > pollStaleAfter*h.pollInterval
	return st
}
