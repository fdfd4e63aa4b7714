package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "es")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Locale != "es" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if _, err := m.End("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateReplacesUserSession(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "en")
	var released atomic.Int32
	if _, err := m.Attach(first.ID, func() { released.Add(1) }); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	second := m.Create("u1", "en")
	got, _ := m.Get(first.ID)
	if got.Status != StatusEnded {
		t.Fatalf("previous session status = %q, want ended", got.Status)
	}
	if released.Load() != 1 {
		t.Fatalf("release calls = %d, want 1", released.Load())
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if _, err := m.Get(second.ID); err != nil {
		t.Fatalf("Get(second) error = %v", err)
	}
}

func TestManagerAttach(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("", "en")

	var released atomic.Int32
	detach, err := m.Attach(s.ID, func() { released.Add(1) })
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := m.Attach(s.ID, nil); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}

	detach()
	detach()
	if got, _ := m.Get(s.ID); got.Attached {
		t.Fatalf("session still attached after detach")
	}
	if released.Load() != 0 {
		t.Fatalf("detach must not call release")
	}

	if _, err := m.Attach(s.ID, func() { released.Add(1) }); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if released.Load() != 1 {
		t.Fatalf("release calls = %d, want 1", released.Load())
	}
	if _, err := m.Attach(s.ID, nil); !errors.Is(err, ErrEnded) {
		t.Fatalf("Attach(ended) error = %v, want ErrEnded", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("u1", "en")

	expired := make(chan string, 1)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })
	var released atomic.Int32
	if _, err := m.Attach(s.ID, func() { released.Add(1) }); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("session did not expire")
	}
	if released.Load() != 1 {
		t.Fatalf("release calls = %d, want 1", released.Load())
	}

	// Ended sessions are forgotten after another timeout.
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := m.Get(s.ID); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ended session was never pruned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
