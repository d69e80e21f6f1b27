package recovery

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recHandler struct {
	mu    sync.Mutex
	calls []Flag
	// during runs once inside ReInit.
	during func()
}

func (h *recHandler) add(f Flag) {
	h.mu.Lock()
	h.calls = append(h.calls, f)
	h.mu.Unlock()
}

func (h *recHandler) RetryExhausted(context.Context) { h.add(RetryExhausted) }
func (h *recHandler) ReInit(context.Context) {
	h.add(ReInit)
	if h.during != nil {
		fn := h.during
		h.during = nil
		fn()
	}
}
func (h *recHandler) Facedown(context.Context)    { h.add(Facedown) }
func (h *recHandler) KickStart(context.Context)   { h.add(KickStart) }
func (h *recHandler) StateChange(context.Context) { h.add(StateChange) }

func TestRunOnce_NoFlagsIsNoop(t *testing.T) {
	h := &recHandler{}
	w := New(h, nil)
	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("processed=%v want none", got)
	}
	if len(h.calls) != 0 {
		t.Fatalf("calls=%v want none", h.calls)
	}
}

func TestRunOnce_FixedOrderAndClear(t *testing.T) {
	h := &recHandler{}
	w := New(h, nil)
	w.Request(StateChange)
	w.Request(KickStart)
	w.Request(RetryExhausted)
	w.Request(ReInit)
	w.Request(Facedown)
	w.Request(ReInit)

	got := w.RunOnce(context.Background())
	if got != RetryExhausted|ReInit|Facedown|KickStart|StateChange {
		t.Fatalf("processed=%v", got)
	}
	want := []Flag{RetryExhausted, ReInit, Facedown, KickStart, StateChange}
	if len(h.calls) != len(want) {
		t.Fatalf("calls=%v want %v", h.calls, want)
	}
	for i := range want {
		if h.calls[i] != want[i] {
			t.Fatalf("calls=%v want %v", h.calls, want)
		}
	}
	if w.Pending() != 0 {
		t.Fatalf("pending=%v want none", w.Pending())
	}
	if got := w.RunOnce(context.Background()); got != 0 {
		t.Fatalf("second run processed=%v", got)
	}
}

func TestRunOnce_RequestDuringRunIsSeen(t *testing.T) {
	h := &recHandler{}
	w := New(h, nil)
	// ReInit already taken this run; re-requesting it must survive for the next.
	h.during = func() { w.Request(ReInit) }
	w.Request(ReInit)

	w.RunOnce(context.Background())
	if w.Pending()&ReInit == 0 {
		t.Fatalf("re-request lost")
	}
	if got := w.RunOnce(context.Background()); got != ReInit {
		t.Fatalf("processed=%v want re_init", got)
	}
}

func TestRun_ProcessesRequestsAndPolls(t *testing.T) {
	h := &recHandler{}
	polled := make(chan struct{}, 8)
	w := New(h, func(context.Context) { polled <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Request(Facedown)
	w.SetPollInterval(5 * time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-polled:
		case <-time.After(2 * time.Second):
			t.Fatalf("poll %d did not fire", i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.calls)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("facedown not processed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestFlagString(t *testing.T) {
	if s := (ReInit | StateChange).String(); s != "re_init|state_change" {
		t.Fatalf("String=%q", s)
	}
	if s := Flag(0).String(); s != "none" {
		t.Fatalf("String=%q", s)
	}
}
