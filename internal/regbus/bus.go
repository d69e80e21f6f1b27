// Package regbus is the hub's register transaction layer: retried reads and
// writes, the wake power gate, and the reset/blocked-bus escalation.
package regbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/errcode"
	"sensorhub/internal/gpio"
	"sensorhub/internal/i2c"
)

var (
	sleep = time.Sleep
	now   = time.Now
)

type atomicKey struct{}

// Atomic marks ctx as interrupt handling. Backoff sleeps are skipped for it.
func Atomic(ctx context.Context) context.Context {
	return context.WithValue(ctx, atomicKey{}, true)
}

func IsAtomic(ctx context.Context) bool {
	v, _ := ctx.Value(atomicKey{}).(bool)
	return v
}

// Mode reports whether the MCU has left application mode.
type Mode interface {
	OffNormal() bool
}

type Config struct {
	// DebugDisable makes every transaction succeed without touching the bus.
	DebugDisable bool

	RetryCeiling int
	LatchCeiling int

	// ResetPeriod rate-limits non-forced resets and bounds the blocked window.
	ResetPeriod time.Duration
	// ReactivatePeriod is the cooldown between recovery escalations.
	ReactivatePeriod time.Duration

	ResetPulse          time.Duration
	ResetSettle         time.Duration
	BootloaderSettle    time.Duration
	WakePulse           time.Duration
	WakeSettle          time.Duration
	NotConnectedBackoff time.Duration
	DiagRetryDelay      time.Duration

	// IsLatch classifies a transfer error as a stuck-bus error.
	IsLatch func(error) bool
}

func (c *Config) applyDefaults() {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = defaultRetryCeiling
	}
	if c.LatchCeiling <= 0 {
		c.LatchCeiling = defaultLatchCeiling
	}
	if c.ResetPeriod <= 0 {
		c.ResetPeriod = 30 * time.Second
	}
	if c.ReactivatePeriod <= 0 {
		c.ReactivatePeriod = 10 * time.Second
	}
	if c.ResetPulse <= 0 {
		c.ResetPulse = 10 * time.Millisecond
	}
	if c.ResetSettle <= 0 {
		c.ResetSettle = 500 * time.Millisecond
	}
	if c.BootloaderSettle <= 0 {
		c.BootloaderSettle = 100 * time.Millisecond
	}
	if c.WakePulse <= 0 {
		c.WakePulse = 10 * time.Microsecond
	}
	if c.WakeSettle <= 0 {
		c.WakeSettle = 500 * time.Microsecond
	}
	if c.NotConnectedBackoff <= 0 {
		c.NotConnectedBackoff = 100 * time.Millisecond
	}
	if c.DiagRetryDelay <= 0 {
		c.DiagRetryDelay = time.Millisecond
	}
	if c.IsLatch == nil {
		c.IsLatch = i2c.IsTimeout
	}
}

// Hooks connect the bus to the lifecycle and recovery worker.
type Hooks struct {
	Mode Mode
	// Exhausted runs when a call finds or drives the ledger exhausted. It is
	// called with the ledger lock held and must not block.
	Exhausted func()
	// Reset runs after a hub reset, with the ledger lock held.
	Reset func()
}

type Stats struct {
	Total       int
	Latch       int
	Exhausted   bool
	Blocked     bool
	Suspended   bool
	PowerRefs   int
	Exhaustions uint64
	Resets      uint64
	LastError   string
}

type Bus struct {
	cfg   Config
	conn  i2c.Conn
	lines gpio.Lines

	ledger *Ledger
	gate   *PowerGate

	txMu    sync.Mutex
	groupMu sync.Mutex

	suspendMu sync.Mutex
	suspended bool

	blockMu        sync.Mutex
	blocked        bool
	resetAt        time.Time
	chipBootloader bool

	hookMu sync.RWMutex
	hooks  Hooks

	debugAccess atomic.Uint64
	exhaustions atomic.Uint64
	resets      atomic.Uint64

	errMu   sync.Mutex
	lastErr string
}

func New(conn i2c.Conn, lines gpio.Lines, cfg Config) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:    cfg,
		conn:   conn,
		lines:  lines,
		ledger: newLedger(cfg.RetryCeiling, cfg.LatchCeiling),
		gate:   newPowerGate(lines.Wake, cfg.WakePulse, cfg.WakeSettle),
	}
}

func (b *Bus) SetHooks(h Hooks) {
	b.hookMu.Lock()
	b.hooks = h
	b.hookMu.Unlock()
}

func (b *Bus) Ledger() *Ledger   { return b.ledger }
func (b *Bus) Gate() *PowerGate  { return b.gate }
func (b *Bus) Config() Config    { return b.cfg }
func (b *Bus) Lines() gpio.Lines { return b.lines }

func (b *Bus) Snapshot() Stats {
	total, latch := b.ledger.Counts()
	b.blockMu.Lock()
	blocked := b.blocked
	b.blockMu.Unlock()
	b.errMu.Lock()
	lastErr := b.lastErr
	b.errMu.Unlock()
	return Stats{
		Total:       total,
		Latch:       latch,
		Exhausted:   b.ledger.Exhausted(),
		Blocked:     blocked,
		Suspended:   b.Suspended(),
		PowerRefs:   b.gate.Count(),
		Exhaustions: b.exhaustions.Load(),
		Resets:      b.resets.Load(),
		LastError:   lastErr,
	}
}

// Read fills dst from reg. Once the retry ceiling is reached dst is zeroed
// and a BusExhausted error returned; callers without an error path can use
// the zeros.
func (b *Bus) Read(ctx context.Context, reg byte, dst []byte) error {
	if done, err := b.guard(ctx, "read"); done {
		return err
	}

	b.ledger.Lock()
	defer b.ledger.Unlock()
	if b.ledger.ExhaustedLocked() {
		clear(dst)
		b.notifyExhausted()
		return errcode.New(errcode.BusExhausted, "regbus: read", fmt.Sprintf("reg 0x%02X", reg))
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()
	if err := b.retryLocked(func() error { return b.conn.Tx([]byte{reg}, dst) }); err != nil {
		clear(dst)
		return errcode.Wrap(errcode.BusExhausted, fmt.Sprintf("regbus: read 0x%02X", reg), err)
	}
	return nil
}

// Write sends data to reg one byte per transfer, as the hub's streaming
// registers (calibration, levels) expect.
func (b *Bus) Write(ctx context.Context, reg byte, data []byte) error {
	if done, err := b.guard(ctx, "write"); done {
		return err
	}

	b.ledger.Lock()
	defer b.ledger.Unlock()
	if b.ledger.ExhaustedLocked() {
		b.notifyExhausted()
		return errcode.New(errcode.BusExhausted, "regbus: write", fmt.Sprintf("reg 0x%02X", reg))
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()
	for _, v := range data {
		w := []byte{reg, v}
		if err := b.retryLocked(func() error { return b.conn.Tx(w, nil) }); err != nil {
			return errcode.Wrap(errcode.BusExhausted, fmt.Sprintf("regbus: write 0x%02X", reg), err)
		}
	}
	return nil
}

// WriteBlock sends data to reg in a single transfer.
func (b *Bus) WriteBlock(ctx context.Context, reg byte, data []byte) error {
	if done, err := b.guard(ctx, "write block"); done {
		return err
	}

	b.ledger.Lock()
	defer b.ledger.Unlock()
	if b.ledger.ExhaustedLocked() {
		b.notifyExhausted()
		return errcode.New(errcode.BusExhausted, "regbus: write block", fmt.Sprintf("reg 0x%02X", reg))
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()
	w := append([]byte{reg}, data...)
	if err := b.retryLocked(func() error { return b.conn.Tx(w, nil) }); err != nil {
		return errcode.Wrap(errcode.BusExhausted, fmt.Sprintf("regbus: write block 0x%02X", reg), err)
	}
	return nil
}

// MultiWrite writes data byte by byte to reg while holding the group lock,
// so a multi-byte value cannot interleave with another group's writes.
func (b *Bus) MultiWrite(ctx context.Context, reg byte, data []byte) error {
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	for i := range data {
		if err := b.Write(ctx, reg, data[i:i+1]); err != nil {
			return fmt.Errorf("regbus: multi write 0x%02X byte %d: %w", reg, i, err)
		}
	}
	return nil
}

// MultiWritePowered is MultiWrite inside a power-gate reference.
func (b *Bus) MultiWritePowered(ctx context.Context, reg byte, data []byte) error {
	b.gate.On()
	defer b.gate.Off()
	return b.MultiWrite(ctx, reg, data)
}

// ReadPowered is Read inside a power-gate reference.
func (b *Bus) ReadPowered(ctx context.Context, reg byte, dst []byte) error {
	b.gate.On()
	defer b.gate.Off()
	return b.Read(ctx, reg, dst)
}

// WritePowered is Write inside a power-gate reference.
func (b *Bus) WritePowered(ctx context.Context, reg byte, data []byte) error {
	b.gate.On()
	defer b.gate.Off()
	return b.Write(ctx, reg, data)
}

// WriteBlockPowered is WriteBlock inside a power-gate reference.
func (b *Bus) WriteBlockPowered(ctx context.Context, reg byte, data []byte) error {
	b.gate.On()
	defer b.gate.Off()
	return b.WriteBlock(ctx, reg, data)
}

// DiagRead reads through the diagnostic path: no mode gate, no ledger
// accounting, a short fixed number of attempts.
func (b *Bus) DiagRead(ctx context.Context, reg byte, dst []byte) error {
	b.ledger.Lock()
	defer b.ledger.Unlock()
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if err := b.diagTxLocked(ctx, []byte{reg}, dst); err != nil {
		return errcode.Wrap(errcode.TransientIO, fmt.Sprintf("regbus: diag read 0x%02X", reg), err)
	}
	return nil
}

// DiagWrite is the write side of DiagRead.
func (b *Bus) DiagWrite(ctx context.Context, reg byte, data []byte) error {
	b.ledger.Lock()
	defer b.ledger.Unlock()
	b.txMu.Lock()
	defer b.txMu.Unlock()
	w := append([]byte{reg}, data...)
	if err := b.diagTxLocked(ctx, w, nil); err != nil {
		return errcode.Wrap(errcode.TransientIO, fmt.Sprintf("regbus: diag write 0x%02X", reg), err)
	}
	return nil
}

func (b *Bus) diagTxLocked(ctx context.Context, w, r []byte) error {
	var err error
	for i := 0; i < b.cfg.RetryCeiling; i++ {
		if err = b.conn.Tx(w, r); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsAtomic(ctx) {
			sleep(b.cfg.DiagRetryDelay)
		}
	}
	b.setErr(err)
	return err
}

// retryLocked runs fn until it succeeds or the ledger is exhausted. Each
// failure pulses wake to kick a dozing MCU. Caller holds the ledger lock.
func (b *Bus) retryLocked(fn func() error) error {
	var last error
	for !b.ledger.ExhaustedLocked() {
		err := fn()
		if err == nil {
			b.ledger.ResetLocked()
			return nil
		}
		last = err
		b.gate.fallingEdge()
		b.ledger.failLocked(b.cfg.IsLatch(err))
		log.Printf("regbus: i2c error: %v total_retry=%d latch_retry=%d", err, b.ledger.total, b.ledger.latch)
	}
	if last == nil {
		last = errcode.TransientIO
	}
	b.exhaustions.Add(1)
	b.setErr(last)
	log.Printf("regbus: retries exhausted total_retry=%d latch_retry=%d", b.ledger.total, b.ledger.latch)
	b.notifyExhausted()
	return last
}

// guard handles the paths that never reach the wire. done=true means the
// call is finished with err.
func (b *Bus) guard(ctx context.Context, op string) (done bool, err error) {
	if b.offNormal() {
		if !IsAtomic(ctx) {
			sleep(b.cfg.NotConnectedBackoff)
		}
		return true, errcode.New(errcode.NotConnected, "regbus: "+op, "mcu not in application mode")
	}
	if b.cfg.DebugDisable {
		if n := b.debugAccess.Add(1); n%100 == 0 {
			log.Printf("regbus: debug disable set, %d accesses skipped", n)
		}
		return true, nil
	}
	if b.checkBlocked(ctx) {
		return true, nil
	}
	if b.Suspended() {
		return true, nil
	}
	return false, nil
}

// checkBlocked reports whether the bus is blocked, releasing reset once the
// blocked window has run out. The settle delay after release is skipped in
// atomic contexts and never taken under blockMu.
func (b *Bus) checkBlocked(ctx context.Context) bool {
	b.blockMu.Lock()
	if !b.blocked {
		b.blockMu.Unlock()
		return false
	}
	if now().Sub(b.resetAt) <= b.cfg.ResetPeriod {
		b.blockMu.Unlock()
		return true
	}
	if b.lines.Reset != nil {
		_ = b.lines.Reset.Release()
	}
	b.blocked = false
	settle := b.settleLocked()
	b.blockMu.Unlock()

	log.Printf("regbus: reset released after blocked window")
	if !IsAtomic(ctx) {
		sleep(settle)
	}
	return true
}

func (b *Bus) offNormal() bool {
	b.hookMu.RLock()
	m := b.hooks.Mode
	b.hookMu.RUnlock()
	return m != nil && m.OffNormal()
}

func (b *Bus) notifyExhausted() {
	b.hookMu.RLock()
	fn := b.hooks.Exhausted
	b.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (b *Bus) Suspend() {
	b.suspendMu.Lock()
	b.suspended = true
	b.suspendMu.Unlock()
	b.gate.Release()
}

func (b *Bus) Resume() {
	b.suspendMu.Lock()
	b.suspended = false
	b.suspendMu.Unlock()
}

func (b *Bus) Suspended() bool {
	b.suspendMu.Lock()
	defer b.suspendMu.Unlock()
	return b.suspended
}

func (b *Bus) Blocked() bool {
	b.blockMu.Lock()
	defer b.blockMu.Unlock()
	return b.blocked
}

func (b *Bus) setErr(err error) {
	if err == nil {
		return
	}
	b.errMu.Lock()
	b.lastErr = err.Error()
	b.errMu.Unlock()
}
