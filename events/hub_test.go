package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHubDeliversInOrder(t *testing.T) {
	h := NewHub(16)
	a, b := h.Subscribe(), h.Subscribe()
	defer a.Close()
	defer b.Close()

	for i := int64(1); i <= 5; i++ {
		h.Publish(Event{Type: TypeStarted, StreamerID: "s", RecordingID: i})
	}
	for _, s := range []*Subscription{a, b} {
		for i := int64(1); i <= 5; i++ {
			if ev := recv(t, s); ev.RecordingID != i {
				t.Fatalf("expected recording %d got %d", i, ev.RecordingID)
			}
		}
	}
}

func TestHubNoReplayForLateSubscriber(t *testing.T) {
	h := NewHub(4)
	h.Publish(Event{Type: TypeStarted, StreamerID: "s", RecordingID: 1})
	s := h.Subscribe()
	defer s.Close()
	select {
	case ev := <-s.C:
		t.Fatalf("late subscriber received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(2)
	var dropped []string
	var mu sync.Mutex
	h.OnDrop = func(id string) { mu.Lock(); dropped = append(dropped, id); mu.Unlock() }

	slow := h.Subscribe()
	fast := h.Subscribe()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Event{Type: TypeStarted, StreamerID: "x", RecordingID: int64(i)})
			<-fast.C
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	select {
	case <-slow.Dropped:
	default:
		t.Fatal("slow subscriber should have been disconnected")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != slow.ID {
		t.Fatalf("OnDrop calls = %v", dropped)
	}
	if h.Count() != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", h.Count())
	}
	slow.Close() // no panic on double close
}

func TestHubCountCallback(t *testing.T) {
	h := NewHub(1)
	var last int
	h.OnCount = func(n int) { last = n }
	s := h.Subscribe()
	if last != 1 {
		t.Fatalf("count = %d", last)
	}
	s.Close()
	if last != 0 {
		t.Fatalf("count after close = %d", last)
	}
}

func TestWSHandlerSnapshotThenEvents(t *testing.T) {
	h := NewHub(8)
	srv := httptest.NewServer(NewWSHandler(h, func() any { return []string{"active-one"} }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Event != "snapshot" || !strings.Contains(string(msg.Data), "active-one") {
		t.Fatalf("unexpected first message %+v", msg)
	}

	// the handler subscribed before sending the snapshot
	deadline := time.Now().Add(time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(Event{Type: TypeFailed, StreamerID: "b", RecordingID: 9, Detail: "exit code 1"})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != "failed" || ev.RecordingID != 9 || ev.Detail == "" {
		t.Fatalf("unexpected event %+v %+v", msg, ev)
	}
}

type fakeRedis struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, channel+" "+string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestRedisRelayForwards(t *testing.T) {
	h := NewHub(8)
	fr := &fakeRedis{}
	relay := &RedisRelay{Client: fr, Channel: "test:events"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx, h)

	deadline := time.Now().Add(time.Second)
	for h.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(Event{Type: TypeStarted, StreamerID: "r", RecordingID: 3})

	deadline = time.Now().Add(2 * time.Second)
	for fr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.msgs) != 1 || !strings.HasPrefix(fr.msgs[0], "test:events ") {
		t.Fatalf("relay published %v", fr.msgs)
	}
}
