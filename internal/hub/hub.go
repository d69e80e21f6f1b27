// Package hub wires the register bus, lifecycle, recovery worker, schedule
// and event decoder into one sensor hub driver.
package hub

import (
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"sensorhub/internal/calib"
	"sensorhub/internal/events"
	"sensorhub/internal/gpio"
	"sensorhub/internal/i2c"
	"sensorhub/internal/lifecycle"
	"sensorhub/internal/recovery"
	"sensorhub/internal/regbus"
	"sensorhub/internal/schedule"
)

var (
	sleep = time.Sleep
	now   = time.Now
)

type Config struct {
	Bus       regbus.Config
	Lifecycle lifecycle.Config
	Schedule  schedule.Config

	Placement   calib.Placement
	Calibration calib.Set

	LogMask  uint32
	LogLevel uint32
	// Display is the initial display state reported to the hub.
	Display bool
}

type Snapshot struct {
	State     string             `json:"state"`
	Probed    bool               `json:"probed"`
	Lifecycle lifecycle.Snapshot `json:"lifecycle"`
	Bus       regbus.Stats       `json:"bus"`
	Schedule  schedule.Snapshot  `json:"schedule"`
	Events    events.Stats       `json:"events"`

	Interrupts   uint64 `json:"interrupts"`
	IgnoredEdges uint64 `json:"ignored_edges"`
	DroppedEdges uint64 `json:"dropped_edges"`
	Pending      string `json:"pending"`

	Firmware   string    `json:"firmware,omitempty"`
	LastReInit time.Time `json:"last_reinit_utc,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type Hub struct {
	cfg Config

	bus   *regbus.Bus
	fsm   *lifecycle.FSM
	work  *recovery.Worker
	sched *schedule.Engine
	dec   *events.Decoder
	edges *Edges

	probed   atomic.Bool
	powerKey atomic.Bool
	display  atomic.Bool
	logMask  atomic.Uint32
	logLevel atomic.Uint32

	// LogAvail fires when the hub reports log data; EventAvail when the
	// display comes on.
	LogAvail   *lifecycle.Signal
	EventAvail *lifecycle.Signal

	calMu     sync.Mutex
	cal       calib.Set
	placement calib.Placement

	obsMu     sync.Mutex
	observers []func(facedown bool)

	lightMu   sync.Mutex
	lastLight *events.Event

	interrupts atomic.Uint64
	ignored    atomic.Uint64

	mu   sync.RWMutex
	snap Snapshot

	closers []io.Closer
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stopOnce sync.Once
}

// New builds a hub on conn and lines. Edges pushed into edges drive the
// interrupt dispatcher once Start runs; events go to sink.
func New(conn i2c.Conn, lines gpio.Lines, edges *Edges, sink events.Sink, cfg Config) *Hub {
	if edges == nil {
		edges = NewEdges(0)
	}
	bus := regbus.New(conn, lines, cfg.Bus)
	h := &Hub{
		cfg:        cfg,
		bus:        bus,
		edges:      edges,
		LogAvail:   lifecycle.NewSignal("log"),
		EventAvail: lifecycle.NewSignal("event"),
		cal:        copySet(cfg.Calibration),
		placement:  cfg.Placement,
	}
	h.work = recovery.New(handler{h}, h.poll)
	h.fsm = lifecycle.New(bus, h.work, cfg.Lifecycle)
	h.sched = schedule.New(bus, h.work, cfg.Schedule)
	h.dec = events.NewDecoder(bus, sink)
	h.logMask.Store(cfg.LogMask)
	h.logLevel.Store(cfg.LogLevel)
	h.display.Store(cfg.Display)

	bus.SetHooks(regbus.Hooks{
		Mode:      h.fsm,
		Exhausted: func() { h.work.Request(recovery.RetryExhausted) },
		Reset:     h.fsm.ResetBootStatus,
	})
	return h
}

func copySet(s calib.Set) calib.Set {
	s.Records = maps.Clone(s.Records)
	if s.Records == nil {
		s.Records = make(map[calib.Family]calib.Record)
	}
	return s
}

// Own hands c to the hub; Close closes it after the goroutines stop.
func (h *Hub) Own(c io.Closer) {
	if c != nil {
		h.closers = append(h.closers, c)
	}
}

// Start samples the status line, starts the worker and interrupt goroutines
// and queues the kick start.
func (h *Hub) Start(ctx context.Context) error {
	if h == nil {
		return fmt.Errorf("hub: hub is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	if l, changed := h.fsm.SampleStatus(); changed {
		log.Printf("hub: status line reads %s", l)
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = h.work.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.irqLoop(ctx)
	}()

	h.work.Request(recovery.KickStart | recovery.StateChange)
	return nil
}

// Close stops the goroutines, releases the wake line and closes everything
// handed to Own.
func (h *Hub) Close() error {
	if h == nil {
		return nil
	}
	var err error
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		h.bus.Gate().Release()
		for i := len(h.closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, h.closers[i].Close())
		}
	})
	return err
}

func (h *Hub) irqLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.edges.C():
			h.handleEdge(ctx, e)
		}
	}
}

func (h *Hub) handleEdge(ctx context.Context, e gpio.Edge) {
	if e.Source == gpio.SourceStatus {
		h.sampleStatus()
		return
	}
	if !h.probed.Load() {
		h.ignored.Add(1)
		return
	}
	h.dispatch(ctx)
}

func (h *Hub) sampleStatus() lifecycle.Level {
	l, changed := h.fsm.SampleStatus()
	if changed {
		log.Printf("hub: status line -> %s", l)
		h.work.Request(recovery.StateChange)
	}
	return l
}

// Probed reports whether the kick start has run.
func (h *Hub) Probed() bool { return h.probed.Load() }

func (h *Hub) State() lifecycle.State { return h.fsm.State() }

func (h *Hub) Bus() *regbus.Bus { return h.bus }

func (h *Hub) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.snap.LastError = ""
		return
	}
	h.snap.LastError = err.Error()
}

func (h *Hub) setState(update func(*Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	update(&h.snap)
}

func (h *Hub) Snapshot() Snapshot {
	if h == nil {
		return Snapshot{}
	}
	h.mu.RLock()
	s := h.snap
	h.mu.RUnlock()

	s.State = h.fsm.State().String()
	s.Probed = h.probed.Load()
	s.Lifecycle = h.fsm.Snapshot()
	s.Bus = h.bus.Snapshot()
	s.Schedule = h.sched.Snapshot()
	s.Events = h.dec.Snapshot()
	s.Interrupts = h.interrupts.Load()
	s.IgnoredEdges = h.ignored.Load()
	s.DroppedEdges = h.edges.Drops()
	s.Pending = h.work.Pending().String()
	return s
}
