package regbus

import (
	"context"
	"testing"
	"time"
)

func TestResetHub_ForcedClearsLedger(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(21, errNack)}
	b, mem, _ := newTestBus(t, conn, Config{})
	resets := 0
	b.SetHooks(Hooks{Reset: func() { resets++ }})

	_ = b.Write(context.Background(), 0x01, []byte{1})
	if !b.Ledger().Exhausted() {
		t.Fatalf("expected exhausted")
	}
	mem.Reset.ResetHistory()

	if !b.ResetHub(context.Background(), true) {
		t.Fatalf("forced reset should run")
	}
	if b.Ledger().Exhausted() {
		t.Fatalf("ledger still exhausted")
	}
	if resets != 1 {
		t.Fatalf("reset hook=%d want 1", resets)
	}
	if h := mem.Reset.History(); len(h) != 2 || h[0] != 0 || h[1] != 1 {
		t.Fatalf("reset line=%v want [0 1]", h)
	}
	if !mem.Reset.Released() {
		t.Fatalf("reset not released")
	}
}

func TestResetHub_RateLimitedBlocksBus(t *testing.T) {
	clk := stubClock(t)
	conn := &fakeConn{}
	b, mem, _ := newTestBus(t, conn, Config{})

	if !b.ResetHub(context.Background(), false) {
		t.Fatalf("first reset should run")
	}
	clk.t = clk.t.Add(5 * time.Second)
	if b.ResetHub(context.Background(), false) {
		t.Fatalf("second reset inside window should block")
	}
	if !b.Blocked() {
		t.Fatalf("bus not blocked")
	}
	if v, _ := mem.Reset.Value(); v != 0 {
		t.Fatalf("reset should be held low")
	}

	// Blocked: success without bus access.
	if err := b.Write(context.Background(), 0x01, []byte{1}); err != nil {
		t.Fatalf("blocked write err=%v", err)
	}
	if conn.calls != 0 {
		t.Fatalf("calls=%d want 0", conn.calls)
	}

	// Window over: the next call releases reset, still without bus access.
	clk.t = clk.t.Add(31 * time.Second)
	if err := b.Read(context.Background(), 0x0F, make([]byte, 1)); err != nil {
		t.Fatalf("read err=%v", err)
	}
	if b.Blocked() {
		t.Fatalf("still blocked after window")
	}
	if !mem.Reset.Released() {
		t.Fatalf("reset not released")
	}
	if conn.calls != 0 {
		t.Fatalf("calls=%d want 0", conn.calls)
	}

	if err := b.Read(context.Background(), 0x0F, make([]byte, 1)); err != nil {
		t.Fatalf("read err=%v", err)
	}
	if conn.calls != 1 {
		t.Fatalf("calls=%d want 1", conn.calls)
	}
}

func TestResetHub_BlockedWindowAtomicSkipsSettle(t *testing.T) {
	clk := stubClock(t)
	conn := &fakeConn{}
	b, mem, _ := newTestBus(t, conn, Config{})

	b.ResetHub(context.Background(), false)
	clk.t = clk.t.Add(5 * time.Second)
	if b.ResetHub(context.Background(), false) {
		t.Fatalf("second reset inside window should block")
	}

	clk.t = clk.t.Add(31 * time.Second)
	clk.slept = nil
	if err := b.Read(Atomic(context.Background()), 0x0F, make([]byte, 1)); err != nil {
		t.Fatalf("read err=%v", err)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("slept=%v want none in atomic context", clk.slept)
	}
	if b.Blocked() {
		t.Fatalf("still blocked after window")
	}
	if !mem.Reset.Released() {
		t.Fatalf("reset not released")
	}
	if conn.calls != 0 {
		t.Fatalf("calls=%d want 0", conn.calls)
	}
}

func TestResetHub_BlockedWindowSettles(t *testing.T) {
	clk := stubClock(t)
	b, _, _ := newTestBus(t, &fakeConn{}, Config{})

	b.ResetHub(context.Background(), false)
	clk.t = clk.t.Add(5 * time.Second)
	b.ResetHub(context.Background(), false)

	clk.t = clk.t.Add(31 * time.Second)
	clk.slept = nil
	if err := b.Write(context.Background(), 0x01, []byte{1}); err != nil {
		t.Fatalf("write err=%v", err)
	}
	if len(clk.slept) != 1 || clk.slept[0] != b.Config().ResetSettle {
		t.Fatalf("slept=%v want [%s]", clk.slept, b.Config().ResetSettle)
	}
}

func TestResetHub_BootloaderSettle(t *testing.T) {
	clk := stubClock(t)
	b, mem, _ := newTestBus(t, &fakeConn{}, Config{})

	if err := b.SetChipMode(true); err != nil {
		t.Fatalf("SetChipMode: %v", err)
	}
	if v, _ := mem.ChipMode.Value(); v != 1 {
		t.Fatalf("chip mode=%d want 1", v)
	}
	clk.slept = nil
	b.ResetHub(context.Background(), true)
	if len(clk.slept) != 2 || clk.slept[0] != 10*time.Millisecond || clk.slept[1] != 100*time.Millisecond {
		t.Fatalf("slept=%v want [10ms 100ms]", clk.slept)
	}
}

func TestPowerGate_RefCount(t *testing.T) {
	stubClock(t)
	b, mem, _ := newTestBus(t, &fakeConn{}, Config{})
	g := b.Gate()

	g.On()
	g.On()
	if g.Count() != 2 {
		t.Fatalf("count=%d want 2", g.Count())
	}
	if h := mem.Wake.History(); len(h) != 3 {
		t.Fatalf("wake=%v want a single pulse", h)
	}
	g.Off()
	if v, _ := mem.Wake.Value(); v != 0 {
		t.Fatalf("wake=%d want 0 while held", v)
	}
	g.Off()
	if v, _ := mem.Wake.Value(); v != 1 {
		t.Fatalf("wake=%d want 1 after release", v)
	}
	g.Off()
	if g.Count() != 0 {
		t.Fatalf("count=%d want clamp at 0", g.Count())
	}
}
