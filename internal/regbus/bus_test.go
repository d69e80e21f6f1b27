package regbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sensorhub/internal/errcode"
	"sensorhub/internal/gpio"
	"sensorhub/internal/i2c"
)

var errNack = errors.New("nack")

type fakeConn struct {
	mu     sync.Mutex
	fail   []error
	calls  int
	writes [][]byte
	regs   map[byte][]byte
}

func (f *fakeConn) Tx(w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fail) > 0 {
		err := f.fail[0]
		f.fail = f.fail[1:]
		return err
	}
	f.writes = append(f.writes, append([]byte(nil), w...))
	if len(r) > 0 && len(w) > 0 {
		copy(r, f.regs[w[0]])
	}
	return nil
}

func failures(n int, err error) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func stubClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{t: time.Unix(1000, 0)}
	origSleep, origNow := sleep, now
	sleep = func(d time.Duration) {
		c.slept = append(c.slept, d)
		c.t = c.t.Add(d)
	}
	now = func() time.Time { return c.t }
	t.Cleanup(func() { sleep, now = origSleep, origNow })
	return c
}

type modeFlag bool

func (m *modeFlag) OffNormal() bool { return bool(*m) }

func newTestBus(t *testing.T, conn *fakeConn, cfg Config) (*Bus, *gpio.Mem, *int) {
	t.Helper()
	mem := gpio.NewMem()
	set := mem.Set(nil)
	b := New(conn, set.Lines, cfg)
	exhausted := new(int)
	b.SetHooks(Hooks{Exhausted: func() { *exhausted++ }})
	return b, mem, exhausted
}

func TestWrite_RecoversBelowCeiling(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(20, errNack)}
	b, _, exhausted := newTestBus(t, conn, Config{})

	if err := b.Write(context.Background(), 0x01, []byte{0x05}); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	if conn.calls != 21 {
		t.Fatalf("calls=%d want 21", conn.calls)
	}
	if total, latch := b.Ledger().Counts(); total != 0 || latch != 0 {
		t.Fatalf("counts=%d/%d want 0/0", total, latch)
	}
	if *exhausted != 0 {
		t.Fatalf("exhausted hook=%d want 0", *exhausted)
	}
}

func TestWrite_ExhaustsOnTwentyFirstFailure(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(21, errNack)}
	b, _, exhausted := newTestBus(t, conn, Config{})

	err := b.Write(context.Background(), 0x01, []byte{0x05})
	if !errors.Is(err, errcode.BusExhausted) {
		t.Fatalf("err=%v want BusExhausted", err)
	}
	if conn.calls != 21 {
		t.Fatalf("calls=%d want 21", conn.calls)
	}
	if *exhausted != 1 {
		t.Fatalf("exhausted hook=%d want 1", *exhausted)
	}

	// Already exhausted: no bus traffic, another recovery request.
	err = b.Write(context.Background(), 0x01, []byte{0x05})
	if !errors.Is(err, errcode.BusExhausted) {
		t.Fatalf("err=%v want BusExhausted", err)
	}
	if conn.calls != 21 {
		t.Fatalf("calls=%d want 21 (no bus access)", conn.calls)
	}
	if *exhausted != 2 {
		t.Fatalf("exhausted hook=%d want 2", *exhausted)
	}
}

func TestWrite_LatchCeiling(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: []error{i2c.ErrTimeout, i2c.ErrTimeout}}
	b, _, _ := newTestBus(t, conn, Config{})

	err := b.Write(context.Background(), 0x01, []byte{0x05})
	if !errors.Is(err, errcode.BusExhausted) {
		t.Fatalf("err=%v want BusExhausted", err)
	}
	if total, latch := b.Ledger().Counts(); total != 2 || latch != 2 {
		t.Fatalf("counts=%d/%d want 2/2", total, latch)
	}

	conn2 := &fakeConn{fail: []error{i2c.ErrTimeout}}
	b2, _, _ := newTestBus(t, conn2, Config{})
	if err := b2.Write(context.Background(), 0x01, []byte{0x05}); err != nil {
		t.Fatalf("single latch error should recover: %v", err)
	}
}

func TestWrite_PulsesWakeOnFailure(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(2, errNack)}
	b, mem, _ := newTestBus(t, conn, Config{})

	if err := b.Write(context.Background(), 0x01, []byte{0x05}); err != nil {
		t.Fatalf("Write err=%v", err)
	}
	// Idle high, so the first edge only drops; the second raises then drops.
	got := mem.Wake.History()
	want := []int{0, 1, 0}
	if len(got) != len(want) {
		t.Fatalf("wake=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wake=%v want %v", got, want)
		}
	}
}

func TestRead_ExhaustedZeroFills(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(21, errNack)}
	b, _, _ := newTestBus(t, conn, Config{})

	dst := []byte{0xAA, 0xAA, 0xAA}
	err := b.Read(context.Background(), 0x0F, dst)
	if !errors.Is(err, errcode.BusExhausted) {
		t.Fatalf("err=%v want BusExhausted", err)
	}
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("dst[%d]=0x%02x want 0", i, v)
		}
	}

	dst = []byte{0xAA}
	_ = b.Read(context.Background(), 0x0F, dst)
	if dst[0] != 0 {
		t.Fatalf("exhausted entry should zero dst, got 0x%02x", dst[0])
	}
}

func TestRead_ReturnsRegister(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{regs: map[byte][]byte{0x17: {1, 2, 3, 4, 5, 6}}}
	b, _, _ := newTestBus(t, conn, Config{})

	dst := make([]byte, 6)
	if err := b.Read(context.Background(), 0x17, dst); err != nil {
		t.Fatalf("Read err=%v", err)
	}
	if dst[0] != 1 || dst[5] != 6 {
		t.Fatalf("dst=%v", dst)
	}
}

func TestGuard_NotConnected(t *testing.T) {
	clk := stubClock(t)
	conn := &fakeConn{}
	b, _, _ := newTestBus(t, conn, Config{})
	mode := modeFlag(true)
	b.SetHooks(Hooks{Mode: &mode})

	err := b.Write(context.Background(), 0x01, []byte{1})
	if !errors.Is(err, errcode.NotConnected) {
		t.Fatalf("err=%v want NotConnected", err)
	}
	if len(clk.slept) != 1 || clk.slept[0] != 100*time.Millisecond {
		t.Fatalf("slept=%v want [100ms]", clk.slept)
	}

	clk.slept = nil
	err = b.Read(Atomic(context.Background()), 0x0F, make([]byte, 1))
	if !errors.Is(err, errcode.NotConnected) {
		t.Fatalf("err=%v want NotConnected", err)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("atomic caller slept %v", clk.slept)
	}
	if conn.calls != 0 {
		t.Fatalf("calls=%d want 0", conn.calls)
	}
}

func TestGuard_DebugDisableAndSuspend(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{}
	b, _, _ := newTestBus(t, conn, Config{DebugDisable: true})
	if err := b.Write(context.Background(), 0x01, []byte{1}); err != nil {
		t.Fatalf("debug write err=%v", err)
	}

	b2, mem, _ := newTestBus(t, conn, Config{})
	b2.Gate().On()
	b2.Suspend()
	if b2.Gate().Count() != 0 {
		t.Fatalf("suspend should release gate")
	}
	if v, _ := mem.Wake.Value(); v != 1 {
		t.Fatalf("wake=%d want 1 while suspended", v)
	}
	if err := b2.Read(context.Background(), 0x0F, make([]byte, 1)); err != nil {
		t.Fatalf("suspended read err=%v", err)
	}
	if conn.calls != 0 {
		t.Fatalf("calls=%d want 0", conn.calls)
	}
	b2.Resume()
	if err := b2.Read(context.Background(), 0x0F, make([]byte, 1)); err != nil {
		t.Fatalf("read err=%v", err)
	}
	if conn.calls != 1 {
		t.Fatalf("calls=%d want 1", conn.calls)
	}
}

func TestMultiWrite_BytePerTransfer(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{}
	b, _, _ := newTestBus(t, conn, Config{})

	if err := b.MultiWrite(context.Background(), 0x0A, []byte{0xC8, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("MultiWrite err=%v", err)
	}
	if len(conn.writes) != 4 {
		t.Fatalf("writes=%d want 4", len(conn.writes))
	}
	if conn.writes[0][0] != 0x0A || conn.writes[0][1] != 0xC8 {
		t.Fatalf("first write=%v", conn.writes[0])
	}
}

func TestDiagRead_BypassesModeGate(t *testing.T) {
	stubClock(t)
	conn := &fakeConn{fail: failures(3, errNack), regs: map[byte][]byte{0x70: {1, 0, 0, 0}}}
	b, _, _ := newTestBus(t, conn, Config{})
	mode := modeFlag(true)
	b.SetHooks(Hooks{Mode: &mode})

	dst := make([]byte, 4)
	if err := b.DiagRead(context.Background(), 0x70, dst); err != nil {
		t.Fatalf("DiagRead err=%v", err)
	}
	if dst[0] != 1 {
		t.Fatalf("dst=%v", dst)
	}
	if total, _ := b.Ledger().Counts(); total != 0 {
		t.Fatalf("diag path touched ledger: total=%d", total)
	}
}
