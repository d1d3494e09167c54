package ws

import (
	"errors"
	"testing"
	"time"
)

type recordingSubscriber struct {
	ch     chan []byte
	fail   bool
	closed chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{ch: make(chan []byte, 4), closed: make(chan struct{})}
}

func (s *recordingSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.ch <- payload
	return nil
}

func (s *recordingSubscriber) Close() {
	close(s.closed)
}

func expectPayload(t *testing.T, sub *recordingSubscriber, want string) {
	t.Helper()
	select {
	case got := <-sub.ch:
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected payload %q", want)
	}
}

func TestHubDeliversToTopicAndWildcard(t *testing.T) {
	hub := NewHub(8)
	auth := newRecordingSubscriber()
	all := newRecordingSubscriber()
	hub.Register("auth", auth)
	hub.Register(AllTopics, all)

	hub.Broadcast("auth", []byte("a1"))
	hub.Broadcast("billing", []byte("b1"))

	expectPayload(t, auth, "a1")
	expectPayload(t, all, "a1")
	expectPayload(t, all, "b1")

	select {
	case got := <-auth.ch:
		t.Fatalf("auth subscriber received foreign payload %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubClosesFailingSubscriber(t *testing.T) {
	hub := NewHub(8)
	bad := newRecordingSubscriber()
	bad.fail = true
	hub.Register("auth", bad)
	hub.Broadcast("auth", []byte("x"))

	select {
	case <-bad.closed:
	case <-time.After(time.Second):
		t.Fatal("expected failing subscriber to be closed")
	}
}
