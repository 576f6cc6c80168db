package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/stream-recorder/lifecycle"
)

// DefaultStopReason is recorded when a stop command carries no reason.
const DefaultStopReason = "stop requested"

type startRequest struct {
	Target         string `json:"target"`
	Quality        string `json:"quality"`
	OutputTemplate string `json:"output_template"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func streamerID(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.PathValue("id")))
}

// HandleStart starts recording a streamer. Repeating it while the streamer is
// active returns the existing recording id.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := streamerID(r)
	recID, err := h.coord.RequestStart(r.Context(), id, req.Target, lifecycle.StartOptions{
		Quality:        req.Quality,
		OutputTemplate: req.OutputTemplate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamer_id":  id,
		"recording_id": recID,
		"state":        h.coord.Get(id),
	})
}

// HandleStop stops a streamer's recording. Stopping an idle streamer succeeds.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = DefaultStopReason
	}
	id := streamerID(r)
	if err := h.coord.RequestStop(r.Context(), id, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamer_id": id,
		"state":       h.coord.Get(id),
	})
}

// HandleForget untracks an idle streamer.
func (h *Handlers) HandleForget(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Forget(streamerID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStreamerState returns the in-memory lifecycle state of one streamer.
func (h *Handlers) HandleStreamerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Get(streamerID(r)))
}

// HandleActive lists streamers in starting, recording or stopping.
func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	active := h.coord.ListActive()
	if active == nil {
		active = []lifecycle.State{}
	}
	writeJSON(w, http.StatusOK, active)
}

// HandleRecording returns one persisted recording.
func (h *Handlers) HandleRecording(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid recording id", http.StatusBadRequest)
		return
	}
	rec, err := h.recordings.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleStreamerRecordings lists a streamer's recordings, newest first.
func (h *Handlers) HandleStreamerRecordings(w http.ResponseWriter, r *http.Request) {
	limit := clamp(parseIntQuery(r, "limit", 20), 1, 100)
	recs, err := h.recordings.ListByStreamer(r.Context(), streamerID(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}
