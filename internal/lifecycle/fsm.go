// Package lifecycle tracks which mode the MCU is in and runs the side effects
// of moving between modes.
package lifecycle

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/errcode"
	"sensorhub/internal/recovery"
	"sensorhub/internal/regbus"
	"sensorhub/internal/regmap"
)

var (
	sleep = time.Sleep
	now   = time.Now
)

type State int32

const (
	Unknown State = iota
	Initializing
	Running
	Diagnostic
	Bootloader
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Diagnostic:
		return "diagnostic"
	case Bootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Level is the protocol mode reported on the status line.
type Level int32

const (
	LevelApplication Level = iota
	LevelDiagnostic
)

func (l Level) String() string {
	if l == LevelDiagnostic {
		return "diagnostic"
	}
	return "application"
}

// Requester queues deferred work.
type Requester interface {
	Request(f recovery.Flag)
}

type Config struct {
	// DiagCapture allows entering Diagnostic to dump MCU state. When false the
	// MCU is sent straight back to application mode instead.
	DiagCapture bool

	RunningTimeout time.Duration
	RamdumpTimeout time.Duration
	// BootloaderDelay is the pause between switching chip mode and resetting.
	BootloaderDelay time.Duration

	// OnChange, if set, sees every state change. It runs after the ledger
	// lock is released, so it may use the bus, but it runs inside the
	// transition and must not start another one.
	OnChange func(from, to State)
}

// Dump is what a Diagnostic entry captured.
type Dump struct {
	Backup    []uint32
	Exception []byte
	At        time.Time
}

type Snapshot struct {
	State       State
	Level       Level
	Bootup      bool
	SensorReady bool
	DiagCapture bool
	Transitions uint64
	RunningSeen uint64
	LastDump    time.Time
}

type FSM struct {
	bus *regbus.Bus
	req Requester
	cfg Config

	state  atomic.Int32
	level  atomic.Int32
	bootup atomic.Bool
	ready  atomic.Bool
	diag   atomic.Bool

	// trMu serializes Transition and the bootloader switches.
	trMu sync.Mutex

	Running *Signal
	Ramdump *Signal

	dumpMu sync.Mutex
	dump   Dump

	transitions atomic.Uint64
}

func New(bus *regbus.Bus, req Requester, cfg Config) *FSM {
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = 30 * time.Second
	}
	if cfg.RamdumpTimeout <= 0 {
		cfg.RamdumpTimeout = 5 * time.Second
	}
	if cfg.BootloaderDelay <= 0 {
		cfg.BootloaderDelay = 10 * time.Millisecond
	}
	f := &FSM{
		bus:     bus,
		req:     req,
		cfg:     cfg,
		Running: NewSignal("running"),
		Ramdump: NewSignal("ramdump"),
	}
	f.diag.Store(cfg.DiagCapture)
	return f
}

func (f *FSM) State() State { return State(f.state.Load()) }
func (f *FSM) Level() Level { return Level(f.level.Load()) }

// OffNormal reports Diagnostic or Bootloader, where application registers
// are unreachable. It never blocks.
func (f *FSM) OffNormal() bool {
	s := f.State()
	return s == Diagnostic || s == Bootloader
}

// SetBootup records the MCU's boot-up interrupt.
func (f *FSM) SetBootup() { f.bootup.Store(true) }

// SetSensorReady records that re-initialization finished.
func (f *FSM) SetSensorReady() { f.ready.Store(true) }

// ResetBootStatus clears both boot flags. It runs as the bus reset hook, so it
// must not take the ledger lock.
func (f *FSM) ResetBootStatus() {
	f.bootup.Store(false)
	f.ready.Store(false)
}

// readLevel samples the status line. In Bootloader, or while reset is held,
// the line is meaningless and reads as application.
func (f *FSM) readLevel() Level {
	if f.State() == Bootloader || f.bus.ResetAsserted() {
		return LevelApplication
	}
	st := f.bus.Lines().Status
	if st == nil {
		return LevelApplication
	}
	v, err := st.Value()
	if err != nil {
		log.Printf("lifecycle: read status line: %v", err)
		return Level(f.level.Load())
	}
	if v != 0 {
		return LevelDiagnostic
	}
	return LevelApplication
}

// SampleStatus re-reads the status line and reports whether the level
// changed since the last sample.
func (f *FSM) SampleStatus() (Level, bool) {
	l := f.readLevel()
	old := Level(f.level.Swap(int32(l)))
	return l, old != l
}

// Transition applies every transition that fires, re-evaluating after each
// one until the state is stable.
func (f *FSM) Transition(ctx context.Context) State {
	f.trMu.Lock()
	defer f.trMu.Unlock()

	for {
		again := false
		level := f.Level()
		switch f.State() {
		case Unknown:
			if level == LevelDiagnostic {
				again = f.enterDiagnostic(ctx)
			} else if f.bootup.CompareAndSwap(true, false) {
				f.enterInitializing()
				again = true
			}
		case Initializing, Running:
			if level == LevelDiagnostic {
				again = f.enterDiagnostic(ctx)
			} else if f.bootup.Load() {
				f.enterUnknown()
				again = true
			} else if f.State() == Initializing && f.ready.CompareAndSwap(true, false) {
				f.enterRunning()
				again = true
			}
		case Diagnostic:
			if level == LevelApplication {
				f.enterUnknown()
				again = true
			}
		case Bootloader:
		}
		if !again {
			return f.State()
		}
	}
}

// setStateLocked installs s. Caller holds the ledger lock and passes the
// returned func to notify once it has unlocked.
func (f *FSM) setStateLocked(s State) (notify func()) {
	old := State(f.state.Swap(int32(s)))
	if old == s {
		return func() {}
	}
	f.transitions.Add(1)
	log.Printf("lifecycle: %s -> %s", old, s)
	return func() {
		if f.cfg.OnChange != nil {
			f.cfg.OnChange(old, s)
		}
	}
}

func (f *FSM) setState(s State) {
	l := f.bus.Ledger()
	l.Lock()
	notify := f.setStateLocked(s)
	l.Unlock()
	notify()
}

func (f *FSM) enterUnknown() {
	f.Running.Rearm()
	f.setState(Unknown)
}

func (f *FSM) enterInitializing() {
	f.setState(Initializing)
	if f.req != nil {
		f.req.Request(recovery.ReInit)
	}
}

func (f *FSM) enterRunning() {
	f.setState(Running)
	f.Running.Complete()
}

// enterDiagnostic reports whether the state changed. With capture disabled
// the MCU is rebooted into application mode and the state is left alone.
func (f *FSM) enterDiagnostic(ctx context.Context) bool {
	if !f.diag.Load() {
		log.Printf("lifecycle: diagnostic capture disabled, rebooting to application")
		if err := f.setRebootState(ctx, regmap.RebootApplication, true); err != nil {
			log.Printf("lifecycle: reboot state: %v", err)
		}
		f.bus.ResetHub(ctx, true)
		return false
	}

	d := Dump{Backup: f.dumpBackup(ctx), Exception: f.dumpException(ctx)}

	l := f.bus.Ledger()
	l.Lock()
	f.Running.Rearm()
	notify := f.setStateLocked(Diagnostic)
	l.ResetLocked()
	f.ResetBootStatus()
	d.At = now()
	l.Unlock()
	notify()

	f.dumpMu.Lock()
	f.dump = d
	f.dumpMu.Unlock()
	f.Ramdump.Complete()
	return true
}

func (f *FSM) dumpBackup(ctx context.Context) []uint32 {
	var out []uint32
	buf := make([]byte, 4)
	for i := 0; i < regmap.BackupRegCount; i++ {
		if err := f.bus.DiagWrite(ctx, regmap.DumpBackupReg, []byte{byte(i)}); err != nil {
			log.Printf("lifecycle: backup reg %d select: %v", i, err)
			break
		}
		if err := f.bus.DiagRead(ctx, regmap.DumpBackupReg, buf); err != nil {
			log.Printf("lifecycle: backup reg %d read: %v", i, err)
			break
		}
		out = append(out, binary.LittleEndian.Uint32(buf))
	}
	return out
}

func (f *FSM) dumpException(ctx context.Context) []byte {
	hdr := make([]byte, 4)
	if err := f.bus.DiagRead(ctx, regmap.ExceptionLen, hdr); err != nil {
		log.Printf("lifecycle: exception length: %v", err)
		return nil
	}
	n := int(binary.LittleEndian.Uint32(hdr))
	if n > regmap.ExceptionMaxLen {
		n = regmap.ExceptionMaxLen
	}
	out := make([]byte, 0, n)
	blk := make([]byte, regmap.ExceptionBlockLen)
	for len(out) < n {
		if err := f.bus.DiagRead(ctx, regmap.ExceptionBuffer, blk); err != nil {
			log.Printf("lifecycle: exception buffer at %d: %v", len(out), err)
			break
		}
		out = append(out, blk[:min(len(blk), n-len(out))]...)
	}
	return out
}

// LastDump returns the most recent Diagnostic capture.
func (f *FSM) LastDump() Dump {
	f.dumpMu.Lock()
	defer f.dumpMu.Unlock()
	d := f.dump
	d.Backup = append([]uint32(nil), d.Backup...)
	d.Exception = append([]byte(nil), d.Exception...)
	return d
}

func (f *FSM) diagRoute() bool {
	s := f.State()
	return s == Diagnostic || (s == Unknown && f.Level() == LevelDiagnostic)
}

// Read reads reg through whichever path the current mode allows: the
// diagnostic path in Diagnostic, the powered application path otherwise. In
// Bootloader nothing is reachable and dst is zeroed.
func (f *FSM) Read(ctx context.Context, reg byte, dst []byte) error {
	switch {
	case f.State() == Bootloader:
		clear(dst)
		return nil
	case f.diagRoute():
		return f.bus.DiagRead(ctx, reg, dst)
	default:
		return f.bus.ReadPowered(ctx, reg, dst)
	}
}

// Write is the write side of Read.
func (f *FSM) Write(ctx context.Context, reg byte, data []byte) error {
	switch {
	case f.State() == Bootloader:
		return nil
	case f.diagRoute():
		return f.bus.DiagWrite(ctx, reg, data)
	default:
		return f.bus.WriteBlockPowered(ctx, reg, data)
	}
}

// SetRebootState selects the mode the MCU boots into on its next reset and
// verifies it by reading it back.
func (f *FSM) SetRebootState(ctx context.Context, mode uint32) error {
	return f.setRebootState(ctx, mode, f.diagRoute())
}

func (f *FSM) setRebootState(ctx context.Context, mode uint32, diag bool) error {
	if mode != regmap.RebootApplication && mode != regmap.RebootDiagnostic {
		return errcode.New(errcode.InvalidArgument, "lifecycle: reboot state", fmt.Sprintf("mode %d", mode))
	}
	w := binary.LittleEndian.AppendUint32(nil, mode)
	r := make([]byte, 4)
	var err error
	if diag {
		if err = f.bus.DiagWrite(ctx, regmap.RebootMode, w); err == nil {
			err = f.bus.DiagRead(ctx, regmap.RebootMode, r)
		}
	} else {
		if err = f.bus.WriteBlockPowered(ctx, regmap.RebootMode, w); err == nil {
			err = f.bus.ReadPowered(ctx, regmap.RebootMode, r)
		}
	}
	if err != nil {
		return fmt.Errorf("lifecycle: reboot state %d: %w", mode, err)
	}
	if got := binary.LittleEndian.Uint32(r); got != mode {
		return errcode.New(errcode.Error, "lifecycle: reboot state", fmt.Sprintf("read back %d want %d", got, mode))
	}
	return nil
}

// SetDiagCapture enables or disables diagnostic capture and programs the
// matching reboot state.
func (f *FSM) SetDiagCapture(ctx context.Context, on bool) error {
	f.diag.Store(on)
	mode := regmap.RebootApplication
	if on {
		mode = regmap.RebootDiagnostic
	}
	return f.SetRebootState(ctx, mode)
}

func (f *FSM) DiagCapture() bool { return f.diag.Load() }

// EnterBootloader switches the MCU into its bootloader and resets it. The
// state stays Bootloader until LeaveBootloader.
func (f *FSM) EnterBootloader(ctx context.Context) error {
	return f.switchChip(ctx, true)
}

// LeaveBootloader returns the MCU to application boot and resets it.
func (f *FSM) LeaveBootloader(ctx context.Context) error {
	return f.switchChip(ctx, false)
}

func (f *FSM) switchChip(ctx context.Context, bootloader bool) error {
	f.trMu.Lock()
	defer f.trMu.Unlock()

	l := f.bus.Ledger()
	l.Lock()
	var notify func()
	if bootloader {
		notify = f.setStateLocked(Bootloader)
	} else {
		f.Running.Rearm()
		notify = f.setStateLocked(Unknown)
	}
	err := f.bus.SetChipMode(bootloader)
	if err != nil {
		err = fmt.Errorf("lifecycle: chip mode: %w", err)
	}
	sleep(f.cfg.BootloaderDelay)
	f.bus.ResetHubLocked(ctx, true)
	l.Unlock()

	notify()
	return err
}

// WaitRunning blocks until the MCU reaches Running, bounded by
// RunningTimeout.
func (f *FSM) WaitRunning(ctx context.Context) error {
	if f.State() == Running {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RunningTimeout)
	defer cancel()
	return f.Running.Wait(ctx)
}

// WaitRamdump blocks until a Diagnostic capture is available, bounded by
// RamdumpTimeout.
func (f *FSM) WaitRamdump(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RamdumpTimeout)
	defer cancel()
	return f.Ramdump.Wait(ctx)
}

func (f *FSM) Snapshot() Snapshot {
	f.dumpMu.Lock()
	at := f.dump.At
	f.dumpMu.Unlock()
	return Snapshot{
		State:       f.State(),
		Level:       f.Level(),
		Bootup:      f.bootup.Load(),
		SensorReady: f.ready.Load(),
		DiagCapture: f.diag.Load(),
		Transitions: f.transitions.Load(),
		RunningSeen: f.Running.Count(),
		LastDump:    at,
	}
}
