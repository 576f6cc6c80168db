package lifecycle

import (
	"sort"
	"sync"
	"time"
)

// Status is a streamer's recording status.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRecording Status = "recording"
	StatusStopping  Status = "stopping"
	// StatusFailed is transient: it resolves to idle once the failure is persisted.
	StatusFailed Status = "failed"
)

// Active reports whether a recording is open in this status.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRecording || s == StatusStopping
}

// legalTransitions is the per-streamer state machine.
var legalTransitions = map[Status][]Status{
	StatusIdle:      {StatusStarting},
	StatusStarting:  {StatusRecording, StatusFailed},
	StatusRecording: {StatusStopping, StatusFailed},
	StatusStopping:  {StatusIdle, StatusFailed},
	StatusFailed:    {StatusIdle},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// State is the committed recording state of one streamer. Values handed out
// by the coordinator are copies.
type State struct {
	StreamerID       string    `json:"streamer_id"`
	Status           Status    `json:"status"`
	RecordingID      int64     `json:"recording_id,omitempty"`
	Target           string    `json:"target,omitempty"`
	Quality          string    `json:"quality,omitempty"`
	OutputPath       string    `json:"output_path,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Store holds the last committed State per streamer. The coordinator is its
// only writer and commits under the streamer's lock; readers take point in
// time copies without touching any streamer lock.
type Store struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{states: make(map[string]State)} }

func (s *Store) commit(st State) {
	s.mu.Lock()
	s.states[st.StreamerID] = st
	s.mu.Unlock()
}

func (s *Store) remove(streamerID string) {
	s.mu.Lock()
	delete(s.states, streamerID)
	s.mu.Unlock()
}

// Get returns the committed state of a streamer.
func (s *Store) Get(streamerID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[streamerID]
	return st, ok
}

// Active returns copies of all states with an open recording, sorted by streamer id.
func (s *Store) Active() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		if st.Status.Active() {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StreamerID < out[j].StreamerID })
	return out
}

// ActiveCount returns the number of streamers with an open recording.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.states {
		if st.Status.Active() {
			n++
		}
	}
	return n
}
