package hub

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"go.uber.org/multierr"

	"sensorhub/internal/calib"
	"sensorhub/internal/recovery"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

// handler runs the recovery worker's deferred work against the hub.
type handler struct{ h *Hub }

// RetryExhausted escalates an exhausted bus to a reset once the cooldown
// has passed, unless the MCU is out of application mode.
func (w handler) RetryExhausted(ctx context.Context) {
	h := w.h
	l := h.bus.Ledger()
	l.Lock()
	defer l.Unlock()

	if l.ExhaustedLocked() && l.CooldownElapsedLocked(h.bus.Config().ReactivatePeriod) && !h.fsm.OffNormal() {
		h.bus.ResetHubLocked(ctx, false)
	}
	if l.ExhaustedLocked() {
		log.Printf("hub: register bus still exhausted")
		return
	}
	l.StampLocked()
}

// ReInit replays everything the MCU forgets across a reset, then marks the
// sensors ready.
func (w handler) ReInit(ctx context.Context) {
	h := w.h
	g := h.bus.Gate()
	g.On()

	var err error
	err = multierr.Append(err, h.placementNow().Apply(ctx, h.bus))
	res, cerr := calib.Replay(ctx, h.bus, h.calibration())
	err = multierr.Append(err, cerr)
	err = multierr.Append(err, h.sched.Replay(ctx))
	err = multierr.Append(err, h.writeByte(ctx, regmap.WarnMsgEnable, 1))
	err = multierr.Append(err, h.writeByte(ctx, regmap.WatchdogEnable, 1))
	err = multierr.Append(err, h.fsm.SetDiagCapture(ctx, h.fsm.DiagCapture()))
	err = multierr.Append(err, h.writeU32(ctx, regmap.LogMask, h.logMask.Load()))
	err = multierr.Append(err, h.writeU32(ctx, regmap.LogLevel, h.logLevel.Load()))
	err = multierr.Append(err, h.writeDisplay(ctx, h.display.Load()))

	g.Off()

	for _, e := range multierr.Errors(err) {
		log.Printf("hub: re-init: %v", e)
	}
	h.setState(func(s *Snapshot) {
		s.Firmware = res.Version.String()
		s.LastReInit = now().UTC()
	})
	h.setErr(err)

	h.fsm.SetSensorReady()
	h.work.Request(recovery.StateChange)
}

// Facedown pushes the facedown enable bit.
func (w handler) Facedown(ctx context.Context) {
	if err := w.h.sched.WriteEnableGroup(ctx, sensor.FacedownDetection); err != nil {
		log.Printf("hub: facedown: %v", err)
	}
}

// KickStart forces a reset, opens interrupt handling and loads placement
// and calibration.
func (w handler) KickStart(ctx context.Context) {
	h := w.h
	h.bus.ResetHub(ctx, true)
	h.probed.Store(true)
	log.Printf("hub: kick start done")

	err := h.placementNow().Apply(ctx, h.bus)
	_, cerr := calib.Replay(ctx, h.bus, h.calibration())
	err = multierr.Append(err, cerr)
	if err != nil {
		log.Printf("hub: kick start: %v", err)
		h.setErr(err)
	}
}

func (w handler) StateChange(ctx context.Context) {
	w.h.fsm.Transition(ctx)
}

// poll runs on the worker's poll timer. When a continuous, unbatched sensor
// is due the hub queue is drained.
func (h *Hub) poll(ctx context.Context) {
	if !h.probed.Load() || h.fsm.OffNormal() {
		return
	}
	due := h.sched.Due(now())
	if due == 0 {
		return
	}
	batched := h.sched.Batched()
	drain := false
	for _, id := range sensor.All() {
		if due.Has(id) && id.Continuous() && !batched.Has(id) {
			drain = true
			break
		}
	}
	if !drain {
		return
	}

	g := h.bus.Gate()
	g.On()
	defer g.Off()
	if _, err := h.dec.DrainBatch(ctx); err != nil {
		log.Printf("hub: poll drain: %v", err)
	}
}

func (h *Hub) writeByte(ctx context.Context, reg, v byte) error {
	if err := h.bus.WritePowered(ctx, reg, []byte{v}); err != nil {
		return fmt.Errorf("hub: write 0x%02X: %w", reg, err)
	}
	return nil
}

func (h *Hub) writeU32(ctx context.Context, reg byte, v uint32) error {
	if err := h.bus.WriteBlockPowered(ctx, reg, binary.LittleEndian.AppendUint32(nil, v)); err != nil {
		return fmt.Errorf("hub: write 0x%02X: %w", reg, err)
	}
	return nil
}

func (h *Hub) readU32(ctx context.Context, reg byte) (uint32, error) {
	buf := make([]byte, 4)
	if err := h.bus.ReadPowered(ctx, reg, buf); err != nil {
		return 0, fmt.Errorf("hub: read 0x%02X: %w", reg, err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (h *Hub) writeDisplay(ctx context.Context, on bool) error {
	var v byte
	if on {
		v = 1
	}
	if err := h.bus.WriteBlockPowered(ctx, regmap.DisplayState, []byte{v}); err != nil {
		return fmt.Errorf("hub: display state: %w", err)
	}
	return nil
}

func (h *Hub) calibration() *calib.Set {
	h.calMu.Lock()
	defer h.calMu.Unlock()
	s := copySet(h.cal)
	return &s
}

func (h *Hub) placementNow() calib.Placement {
	h.calMu.Lock()
	defer h.calMu.Unlock()
	return h.placement
}
