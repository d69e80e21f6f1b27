// Package schedule keeps per-sensor enable, period and batch settings and
// mirrors them into the hub's enable, batch and rate registers.
package schedule

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/multierr"

	"sensorhub/internal/errcode"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

var now = time.Now

// Idle is the poll interval reported when no sensor needs polling.
const Idle = 10 * time.Second

// Bus is the register access the engine needs.
type Bus interface {
	WritePowered(ctx context.Context, reg byte, data []byte) error
	MultiWritePowered(ctx context.Context, reg byte, data []byte) error
}

// Poller is told when the poll interval changes. d <= 0 stops polling.
type Poller interface {
	SetPollInterval(d time.Duration)
}

type Config struct {
	DefaultPeriod time.Duration
	BatchFloor    time.Duration
	// MaxDelay caps the poll interval.
	MaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultPeriod <= 0 {
		c.DefaultPeriod = sensor.DefaultPeriod
	}
	if c.BatchFloor <= 0 {
		c.BatchFloor = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
}

// SensorState is the runtime state of one sensor.
type SensorState struct {
	Enabled bool
	Period  time.Duration
	// BatchRequest is the timeout as requested; BatchTimeout is the value
	// after the floor.
	BatchRequest time.Duration
	BatchTimeout time.Duration
	Batched      bool
	LastEvent    time.Time
}

type Snapshot struct {
	Enabled        sensor.Mask
	Batched        sensor.Mask
	CurrentTimeout time.Duration
	PollInterval   time.Duration
	Sensors        map[sensor.ID]SensorState
}

type Engine struct {
	cfg    Config
	bus    Bus
	poller Poller

	mu      sync.Mutex
	states  [sensor.End]SensorState
	enabled sensor.Mask
	batched sensor.Mask
	current time.Duration
	poll    time.Duration
}

func New(bus Bus, poller Poller, cfg Config) *Engine {
	cfg.applyDefaults()
	e := &Engine{cfg: cfg, bus: bus, poller: poller, poll: Idle}
	for i := range e.states {
		e.states[i].Period = cfg.DefaultPeriod
	}
	return e
}

func check(op string, id sensor.ID) error {
	if !id.Valid() {
		return errcode.New(errcode.InvalidArgument, "schedule: "+op, fmt.Sprintf("unknown sensor id %d", uint8(id)))
	}
	return nil
}

// RateCode maps a report period to the hub's discrete update rate.
func RateCode(d time.Duration) byte {
	ms := d.Milliseconds()
	switch {
	case ms >= 200:
		return regmap.RateNormal
	case ms >= 100:
		return regmap.Rate10Hz
	case ms >= 60:
		return regmap.RateUI
	case ms >= 40:
		return regmap.Rate25Hz
	case ms >= 20:
		return regmap.RateGame
	default:
		return regmap.RateFastest
	}
}

// SetEnabled turns a sensor on or off. Turning off a batched sensor clears
// its batch first; turning off also returns the period to the default.
func (e *Engine) SetEnabled(ctx context.Context, id sensor.ID, on bool) error {
	if err := check("enable", id); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.states[id]
	e.enabled = e.enabled.With(id, on)
	st.Enabled = on

	if e.batched.Has(id) && !on {
		if err := e.batchLocked(ctx, id, 0); err != nil {
			log.Printf("schedule: clear batch for %s: %v", id, err)
		}
	}
	if on {
		st.LastEvent = now()
	} else {
		st.BatchRequest = 0
		st.BatchTimeout = 0
		st.LastEvent = time.Time{}
	}

	g := id.Group()
	if err := e.bus.WritePowered(ctx, regmap.EnableList+byte(g), []byte{e.enabled.Group(g)}); err != nil {
		return fmt.Errorf("schedule: enable %s: %w", id, err)
	}
	if !on {
		st.Period = e.cfg.DefaultPeriod
	}
	e.recomputePollLocked()
	if err := e.writeRateLocked(ctx, id); err != nil {
		log.Printf("schedule: %v", err)
	}
	return nil
}

// SetReportPeriod changes a sensor's period. The rate register is written
// only while the sensor is enabled; a failed write keeps the new period.
func (e *Engine) SetReportPeriod(ctx context.Context, id sensor.ID, d time.Duration) error {
	if err := check("period", id); err != nil {
		return err
	}
	if d <= 0 {
		return errcode.New(errcode.InvalidArgument, "schedule: period", fmt.Sprintf("%s: period %s", id, d))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.states[id]
	if st.Period == d {
		return nil
	}
	st.Period = d
	e.recomputePollLocked()
	if !st.Enabled {
		return nil
	}
	return e.writeRateLocked(ctx, id)
}

// SetBatch sets the period and batch timeout for a sensor. A zero timeout
// stops batching it. Sensors the hub cannot batch keep only the period.
// The period must be positive.
func (e *Engine) SetBatch(ctx context.Context, id sensor.ID, flags int, period, timeout time.Duration) error {
	if err := check("batch", id); err != nil {
		return err
	}
	if period <= 0 || timeout < 0 {
		return errcode.New(errcode.InvalidArgument, "schedule: batch", fmt.Sprintf("%s: period %s timeout %s", id, period, timeout))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &e.states[id]
	rateChanged := st.Period != period
	st.Period = period
	if flags != 0 {
		log.Printf("schedule: batch %s flags=0x%x ignored", id, flags)
	}

	err := e.batchLocked(ctx, id, timeout)
	if rateChanged && st.Enabled {
		err = multierr.Append(err, e.writeRateLocked(ctx, id))
	}
	return err
}

// batchLocked stores the request, recomputes the common timeout from the
// requested values and writes the batch registers.
func (e *Engine) batchLocked(ctx context.Context, id sensor.ID, timeout time.Duration) error {
	if !id.Batchable() {
		log.Printf("schedule: batch not supported for %s", id)
		return nil
	}
	st := &e.states[id]
	st.BatchRequest = timeout

	var current time.Duration
	for i := range e.states {
		r := e.states[i].BatchRequest
		if r > 0 && (current == 0 || r < current) {
			current = r
		}
	}
	active := current > 0
	e.current = floorNonZero(current, e.cfg.BatchFloor)

	st.BatchTimeout = floorNonZero(timeout, e.cfg.BatchFloor)
	st.Batched = timeout > 0 && active
	e.batched = e.batched.With(id, st.Batched)

	e.recomputePollLocked()

	g := id.Group()
	var err error
	if werr := e.bus.WritePowered(ctx, regmap.BatchEnable+byte(g), []byte{e.batched.Group(g)}); werr != nil {
		err = multierr.Append(err, fmt.Errorf("schedule: batch enable group %d: %w", g, werr))
	}
	buf := binary.LittleEndian.AppendUint32(nil, uint32(e.current.Milliseconds()))
	if werr := e.bus.MultiWritePowered(ctx, regmap.BatchTimeout, buf); werr != nil {
		err = multierr.Append(err, fmt.Errorf("schedule: batch timeout: %w", werr))
	}
	return err
}

func (e *Engine) writeRateLocked(ctx context.Context, id sensor.ID) error {
	if !id.HasRate() {
		return nil
	}
	code := RateCode(e.states[id].Period)
	if err := e.bus.WritePowered(ctx, regmap.Rate(uint8(id)), []byte{code}); err != nil {
		return fmt.Errorf("schedule: rate %s: %w", id, err)
	}
	return nil
}

// RecomputePoll re-derives the poll interval and reports it.
func (e *Engine) RecomputePoll() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recomputePollLocked()
	return e.poll
}

func (e *Engine) recomputePollLocked() {
	d := Idle
	for _, id := range sensor.All() {
		st := &e.states[id]
		if !st.Enabled || !id.Continuous() || e.batched.Has(id) {
			continue
		}
		if p := atMost(st.Period, e.cfg.MaxDelay); p < d {
			d = p
		}
	}
	if d == e.poll {
		return
	}
	e.poll = d
	if e.poller == nil {
		return
	}
	if d == Idle {
		e.poller.SetPollInterval(0)
		return
	}
	e.poller.SetPollInterval(d)
}

// Due marks and returns the enabled sensors whose period has elapsed at t.
func (e *Engine) Due(t time.Time) sensor.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	var m sensor.Mask
	for _, id := range sensor.All() {
		st := &e.states[id]
		if !st.Enabled || t.Sub(st.LastEvent) < st.Period {
			continue
		}
		st.LastEvent = t
		m = m.With(id, true)
	}
	return m
}

// Mark flips the enable bit for id without touching the hub. Reports
// whether it changed.
func (e *Engine) Mark(id sensor.ID, on bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled.Has(id) == on {
		return false
	}
	e.enabled = e.enabled.With(id, on)
	e.states[id].Enabled = on
	return true
}

// WriteEnableGroup writes the enable register group holding id.
func (e *Engine) WriteEnableGroup(ctx context.Context, id sensor.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := id.Group()
	if err := e.bus.WritePowered(ctx, regmap.EnableList+byte(g), []byte{e.enabled.Group(g)}); err != nil {
		return fmt.Errorf("schedule: enable group %d: %w", g, err)
	}
	return nil
}

// Replay rewrites every enable group and the rate of each enabled sensor,
// as needed after the hub rebooted.
func (e *Engine) Replay(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	for g := 0; g < sensor.Groups; g++ {
		if werr := e.bus.WritePowered(ctx, regmap.EnableList+byte(g), []byte{e.enabled.Group(g)}); werr != nil {
			err = multierr.Append(err, fmt.Errorf("schedule: replay enable group %d: %w", g, werr))
		}
	}
	for _, id := range sensor.All() {
		if !e.states[id].Enabled {
			continue
		}
		err = multierr.Append(err, e.writeRateLocked(ctx, id))
	}
	return err
}

func (e *Engine) Enabled() sensor.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

func (e *Engine) Batched() sensor.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batched
}

func (e *Engine) State(id sensor.ID) SensorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id >= sensor.End {
		return SensorState{}
	}
	return e.states[id]
}

func (e *Engine) CurrentTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *Engine) PollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poll
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Enabled:        e.enabled,
		Batched:        e.batched,
		CurrentTimeout: e.current,
		PollInterval:   e.poll,
		Sensors:        make(map[sensor.ID]SensorState),
	}
	for _, id := range sensor.All() {
		if st := e.states[id]; st.Enabled || st.Batched {
			s.Sensors[id] = st
		}
	}
	return s
}
