package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/stream-recorder/capture"
	"github.com/onnwee/stream-recorder/config"
	"github.com/onnwee/stream-recorder/events"
	"github.com/onnwee/stream-recorder/lifecycle"
	"github.com/onnwee/stream-recorder/recording"
)

type fakeCoordinator struct {
	mu         sync.Mutex
	reconciled bool
	startErr   error
	stopErr    error
	states     map[string]lifecycle.State
	starts     []string
	stops      []string
	nextID     int64
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{reconciled: true, states: map[string]lifecycle.State{}}
}

func (f *fakeCoordinator) RequestStart(ctx context.Context, streamerID, target string, opts lifecycle.StartOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	if st, ok := f.states[streamerID]; ok && st.Status.Active() {
		return st.RecordingID, nil
	}
	f.nextID++
	f.starts = append(f.starts, streamerID+"|"+target+"|"+opts.Quality)
	f.states[streamerID] = lifecycle.State{StreamerID: streamerID, Status: lifecycle.StatusRecording, RecordingID: f.nextID, Target: target}
	return f.nextID, nil
}

func (f *fakeCoordinator) RequestStop(ctx context.Context, streamerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, streamerID+"|"+reason)
	delete(f.states, streamerID)
	return nil
}

func (f *fakeCoordinator) ListActive() []lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lifecycle.State
	for _, st := range f.states {
		out = append(out, st)
	}
	return out
}

func (f *fakeCoordinator) Get(streamerID string) lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[streamerID]; ok {
		return st
	}
	return lifecycle.State{StreamerID: streamerID, Status: lifecycle.StatusIdle}
}

func (f *fakeCoordinator) Forget(streamerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[streamerID]; ok && st.Status.Active() {
		return lifecycle.ErrStreamerBusy
	}
	delete(f.states, streamerID)
	return nil
}

func (f *fakeCoordinator) Reconciled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciled
}

type fakeRecordings struct {
	recording.Gateway
	records map[int64]recording.Record
	limit   int
}

func (f *fakeRecordings) Get(ctx context.Context, id int64) (recording.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return recording.Record{}, recording.ErrNotFound
	}
	return r, nil
}

func (f *fakeRecordings) ListByStreamer(ctx context.Context, streamerID string, limit int) ([]recording.Record, error) {
	f.limit = limit
	out := []recording.Record{}
	for _, r := range f.records {
		if r.StreamerID == streamerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type testEnv struct {
	coord   *fakeCoordinator
	recs    *fakeRecordings
	hub     *events.Hub
	handler http.Handler
}

func newTestEnv(t *testing.T, secret string, streamEvents StreamEventHandler) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env := &testEnv{
		coord: newFakeCoordinator(),
		recs: &fakeRecordings{records: map[int64]recording.Record{
			1: {ID: 1, StreamerID: "alice", Status: recording.StatusCompleted},
		}},
		hub: events.NewHub(16),
	}
	env.handler = NewMux(ctx, Deps{
		Coordinator:    env.coord,
		Recordings:     env.recs,
		Hub:            env.hub,
		StreamEvents:   streamEvents,
		EventSubSecret: secret,
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, r)
	return rr
}

func TestHealthzAndCorrelationHeader(t *testing.T) {
	env := newTestEnv(t, "", nil)
	rr := env.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected generated correlation id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("correlation id = %q", got)
	}
}

func TestReadyzWaitsForReconciliation(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.coord.reconciled = false

	rr := env.do(http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["failed_check"] != "reconciliation" {
		t.Fatalf("failed_check = %q", resp["failed_check"])
	}

	env.coord.mu.Lock()
	env.coord.reconciled = true
	env.coord.mu.Unlock()
	if rr := env.do(http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestStartAndStopCommands(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(http.MethodPost, "/streamers/Alice/start", `{"target":"twitch.tv/alice","quality":"720p"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rr.Code, rr.Body.String())
	}
	var started struct {
		StreamerID  string          `json:"streamer_id"`
		RecordingID int64           `json:"recording_id"`
		State       lifecycle.State `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.StreamerID != "alice" || started.RecordingID != 1 || started.State.Status != lifecycle.StatusRecording {
		t.Fatalf("start response = %+v", started)
	}

	// a repeated start reports the same recording
	rr = env.do(http.MethodPost, "/streamers/alice/start", "")
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"recording_id":1`)) {
		t.Fatalf("duplicate start = %s", rr.Body.String())
	}

	rr = env.do(http.MethodGet, "/recordings/active", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"streamer_id":"alice"`) {
		t.Fatalf("active = %d %s", rr.Code, rr.Body.String())
	}

	if rr := env.do(http.MethodPost, "/streamers/alice/stop", ""); rr.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodPost, "/streamers/alice/stop", `{"reason":"manual"}`); rr.Code != http.StatusOK {
		t.Fatalf("second stop = %d", rr.Code)
	}
	if got := env.coord.starts; len(got) != 1 || got[0] != "alice|twitch.tv/alice|720p" {
		t.Fatalf("starts = %v", got)
	}
	if got := env.coord.stops; len(got) != 2 || got[0] != "alice|"+DefaultStopReason || got[1] != "alice|manual" {
		t.Fatalf("stops = %v", got)
	}

	rr = env.do(http.MethodGet, "/recordings/active", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("active after stop = %s", rr.Body.String())
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unavailable", lifecycle.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"not reconciled", lifecycle.ErrNotReconciled, http.StatusServiceUnavailable},
		{"invalid", lifecycle.ErrInvalidStreamer, http.StatusBadRequest},
		{"launch", &capture.LaunchError{Target: "a", Reason: "no playable streams"}, http.StatusBadGateway},
		{"wrapped launch", errors.Join(errors.New("ctx"), &capture.LaunchError{Target: "a", Reason: "x"}), http.StatusBadGateway},
		{"other", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "", nil)
			env.coord.startErr = tt.err
			rr := env.do(http.MethodPost, "/streamers/a/start", "")
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if !strings.Contains(rr.Body.String(), `"error"`) {
				t.Fatalf("body = %s", rr.Body.String())
			}
		})
	}
}

func TestForgetCommand(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.do(http.MethodPost, "/streamers/bob/start", "")

	if rr := env.do(http.MethodDelete, "/streamers/bob", ""); rr.Code != http.StatusConflict {
		t.Fatalf("forget while recording = %d", rr.Code)
	}
	env.do(http.MethodPost, "/streamers/bob/stop", "")
	if rr := env.do(http.MethodDelete, "/streamers/bob", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("forget idle = %d %s", rr.Code, rr.Body.String())
	}
}

func TestStartRejectsBadJSON(t *testing.T) {
	env := newTestEnv(t, "", nil)
	if rr := env.do(http.MethodPost, "/streamers/a/start", `{"bogus":1}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(env.coord.starts) != 0 {
		t.Fatal("no start should be issued")
	}
}

func TestCommandsRequireAuthWhenConfigured(t *testing.T) {
	env := newTestEnv(t, "", nil)
	handler := NewMux(context.Background(), Deps{Coordinator: env.coord, Recordings: env.recs, Access: config.Access{AdminToken: "tok"}})

	req := httptest.NewRequest(http.MethodPost, "/streamers/a/start", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}

	// reads stay open
	req = httptest.NewRequest(http.MethodGet, "/streamers/a", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"idle"`) {
		t.Fatalf("state = %d %s", rr.Code, rr.Body.String())
	}
}

func TestRecordingLookups(t *testing.T) {
	env := newTestEnv(t, "", nil)

	if rr := env.do(http.MethodGet, "/recordings/1", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"completed"`) {
		t.Fatalf("get = %d %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(http.MethodGet, "/recordings/99", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/recordings/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rr.Code)
	}

	rr := env.do(http.MethodGet, "/streamers/alice/recordings?limit=1000", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":1`) {
		t.Fatalf("list = %d %s", rr.Code, rr.Body.String())
	}
	if env.recs.limit != 100 {
		t.Fatalf("limit = %d, want clamp to 100", env.recs.limit)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, "", nil)
	if rr := env.do(http.MethodGet, "/streamers/a/start", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestWebSocketSnapshotThenEvents(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.coord.states["bob"] = lifecycle.State{StreamerID: "bob", Status: lifecycle.StatusRecording, RecordingID: 4}

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Event != "snapshot" || !bytes.Contains(msg.Data, []byte(`"streamer_id":"bob"`)) {
		t.Fatalf("snapshot = %s %s", msg.Event, msg.Data)
	}

	env.hub.Publish(events.Event{Type: events.TypeStopped, StreamerID: "bob", RecordingID: 4})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Event != string(events.TypeStopped) {
		t.Fatalf("event = %s", msg.Event)
	}
}
