package hub

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"sensorhub/internal/calib"
	"sensorhub/internal/errcode"
	"sensorhub/internal/events"
	"sensorhub/internal/lifecycle"
	"sensorhub/internal/recovery"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

// TimestampSync is the flush handle that asks the hub to sync its
// timestamps instead of flushing a sensor.
const TimestampSync = 98

const (
	resumeTries = 10
	resumePoll  = 5 * time.Millisecond
	maxRawLen   = 256
)

func (h *Hub) probedOrBusy(op string) error {
	if !h.probed.Load() {
		return errcode.New(errcode.Busy, "hub: "+op, "hub not started")
	}
	return nil
}

// inApp reports whether application registers (logging, display) are
// meaningful: Initializing or Running.
func (h *Hub) inApp() bool {
	s := h.fsm.State()
	return s == lifecycle.Initializing || s == lifecycle.Running
}

// Enable turns a sensor on or off. Any-motion requests are dropped while
// the power key is held. Enabling the step counter reports its current
// count; enabling light repeats the last light level.
func (h *Hub) Enable(ctx context.Context, id sensor.ID, on bool) error {
	if err := h.probedOrBusy("enable"); err != nil {
		return err
	}
	if id == sensor.AnyMotion && h.powerKey.Load() {
		log.Printf("hub: any motion ignored while power key pressed")
		return nil
	}
	if err := h.sched.SetEnabled(ctx, id, on); err != nil {
		return errors.Wrapf(err, "hub: enable %s=%v", id, on)
	}
	if !on {
		return nil
	}
	switch id {
	case sensor.StepCounter:
		buf := make([]byte, 4)
		if err := h.bus.ReadPowered(ctx, regmap.ReadStepCounter, buf); err != nil {
			log.Printf("hub: initial step counter: %v", err)
			return nil
		}
		h.dec.Emit(stepCounterEvent(buf))
	case sensor.Light:
		if e, ok := h.lastLightEvent(); ok {
			h.dec.Emit(events.Event{ID: e.ID, Values: e.Values})
		}
	}
	return nil
}

// SetInterval changes a sensor's report period.
func (h *Hub) SetInterval(ctx context.Context, id sensor.ID, d time.Duration) error {
	if err := h.probedOrBusy("interval"); err != nil {
		return err
	}
	return errors.Wrapf(h.sched.SetReportPeriod(ctx, id, d), "hub: interval %s", id)
}

// SetBatch configures batching for a sensor. It waits briefly for a resume
// in progress and fails with Timeout if the bus stays suspended.
func (h *Hub) SetBatch(ctx context.Context, id sensor.ID, flags int, period, timeout time.Duration) error {
	if err := h.probedOrBusy("batch"); err != nil {
		return err
	}
	if err := h.waitResumed(); err != nil {
		return err
	}
	return errors.Wrapf(h.sched.SetBatch(ctx, id, flags, period, timeout), "hub: batch %s", id)
}

func (h *Hub) waitResumed() error {
	for i := 0; i < resumeTries; i++ {
		if !h.bus.Suspended() {
			return nil
		}
		sleep(resumePoll)
	}
	return errcode.New(errcode.Timeout, "hub: batch", "resume not completed")
}

// Flush asks the hub to flush its queue and reports completion with a
// MetaData event carrying handle. TimestampSync syncs timestamps instead.
func (h *Hub) Flush(ctx context.Context, handle int) error {
	if handle == TimestampSync {
		err := h.bus.WritePowered(ctx, regmap.BatchCommand, []byte{regmap.BatchSyncTimestamp})
		return errors.Wrap(err, "hub: timestamp sync")
	}
	err := h.bus.WritePowered(ctx, regmap.BatchCommand, []byte{regmap.BatchFlush})
	if err != nil {
		log.Printf("hub: flush command: %v", err)
	}
	e := events.Event{ID: sensor.MetaData}
	e.Values[0] = int16(handle)
	h.dec.Emit(e)
	return errors.Wrap(err, "hub: flush")
}

// FlushCount reads the number of records waiting in the hub queue.
func (h *Hub) FlushCount(ctx context.Context) (uint32, error) {
	n, err := h.readU32(ctx, regmap.BatchCounter)
	return n, errors.Wrap(err, "hub: queue counter")
}

// ReadRaw reads n bytes from reg through whichever path the MCU mode allows.
func (h *Hub) ReadRaw(ctx context.Context, reg byte, n int) ([]byte, error) {
	if n <= 0 || n > maxRawLen {
		return nil, errcode.New(errcode.InvalidArgument, "hub: raw read", fmt.Sprintf("length %d", n))
	}
	buf := make([]byte, n)
	if err := h.fsm.Read(ctx, reg, buf); err != nil {
		return nil, errors.Wrapf(err, "hub: raw read 0x%02X", reg)
	}
	return buf, nil
}

func (h *Hub) WriteRaw(ctx context.Context, reg byte, data []byte) error {
	if len(data) == 0 || len(data) > maxRawLen {
		return errcode.New(errcode.InvalidArgument, "hub: raw write", fmt.Sprintf("length %d", len(data)))
	}
	return errors.Wrapf(h.fsm.Write(ctx, reg, data), "hub: raw write 0x%02X", reg)
}

// ForceReset resets the MCU now, ignoring the reset rate limit.
func (h *Hub) ForceReset(ctx context.Context) bool {
	ok := h.bus.ResetHub(ctx, true)
	h.work.Request(recovery.StateChange)
	return ok
}

func (h *Hub) EnterBootloader(ctx context.Context) error {
	return errors.Wrap(h.fsm.EnterBootloader(ctx), "hub: enter bootloader")
}

func (h *Hub) LeaveBootloader(ctx context.Context) error {
	err := h.fsm.LeaveBootloader(ctx)
	h.work.Request(recovery.StateChange)
	return errors.Wrap(err, "hub: leave bootloader")
}

// SetDiagCapture chooses whether a diagnostic-mode MCU is dumped or sent
// straight back to application mode.
func (h *Hub) SetDiagCapture(ctx context.Context, on bool) error {
	return errors.Wrap(h.fsm.SetDiagCapture(ctx, on), "hub: diag capture")
}

// LastDump returns the last diagnostic capture.
func (h *Hub) LastDump() lifecycle.Dump { return h.fsm.LastDump() }

func (h *Hub) WaitRamdump(ctx context.Context) error { return h.fsm.WaitRamdump(ctx) }

func (h *Hub) WaitRunning(ctx context.Context) error { return h.fsm.WaitRunning(ctx) }

func (h *Hub) LogMask(ctx context.Context) (uint32, error) {
	if !h.inApp() {
		return 0, errcode.New(errcode.Busy, "hub: log mask", "mcu not in application mode")
	}
	v, err := h.readU32(ctx, regmap.LogMask)
	if err != nil {
		return 0, errors.Wrap(err, "hub: log mask")
	}
	h.logMask.Store(v)
	return v, nil
}

// SetLogMask stores the mask and writes it now when the MCU is in
// application mode; re-init writes it otherwise.
func (h *Hub) SetLogMask(ctx context.Context, v uint32) error {
	h.logMask.Store(v)
	if !h.inApp() {
		log.Printf("hub: log mask 0x%x stored, mcu not in application mode", v)
		return nil
	}
	return errors.Wrap(h.writeU32(ctx, regmap.LogMask, v), "hub: log mask")
}

func (h *Hub) LogLevel(ctx context.Context) (uint32, error) {
	if !h.inApp() {
		return 0, errcode.New(errcode.Busy, "hub: log level", "mcu not in application mode")
	}
	v, err := h.readU32(ctx, regmap.LogLevel)
	if err != nil {
		return 0, errors.Wrap(err, "hub: log level")
	}
	h.logLevel.Store(v)
	return v, nil
}

func (h *Hub) SetLogLevel(ctx context.Context, v uint32) error {
	h.logLevel.Store(v)
	if !h.inApp() {
		log.Printf("hub: log level %d stored, mcu not in application mode", v)
		return nil
	}
	return errors.Wrap(h.writeU32(ctx, regmap.LogLevel, v), "hub: log level")
}

// LogSize reports the bytes of log the hub holds and how many it dropped.
func (h *Hub) LogSize(ctx context.Context) (size, dropped uint32, err error) {
	if !h.inApp() {
		return 0, 0, errcode.New(errcode.Busy, "hub: log size", "mcu not in application mode")
	}
	buf := make([]byte, 8)
	if err := h.bus.ReadPowered(ctx, regmap.LogSize, buf); err != nil {
		return 0, 0, errors.Wrap(err, "hub: log size")
	}
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// WaitLog blocks until the hub reports log data, then re-arms.
func (h *Hub) WaitLog(ctx context.Context) error {
	if err := h.LogAvail.Wait(ctx); err != nil {
		return err
	}
	h.LogAvail.Rearm()
	return nil
}

// WaitEvent blocks until the next display-on, then re-arms.
func (h *Hub) WaitEvent(ctx context.Context) error {
	if err := h.EventAvail.Wait(ctx); err != nil {
		return err
	}
	h.EventAvail.Rearm()
	return nil
}

// SetDisplay reports the display state to the hub. Turning the display on
// also wakes log and event waiters.
func (h *Hub) SetDisplay(ctx context.Context, on bool) error {
	if h.display.Swap(on) == on {
		return nil
	}
	err := h.writeDisplay(ctx, on)
	if on {
		h.LogAvail.Complete()
		h.EventAvail.Complete()
	}
	return errors.Wrap(err, "hub: display")
}

// SetFacedown enables or disables facedown detection. The register write
// happens on the worker.
func (h *Hub) SetFacedown(on bool) {
	if h.sched.Mark(sensor.FacedownDetection, on) {
		h.work.Request(recovery.Facedown)
	}
}

func (h *Hub) Facedown() bool { return h.enabled(sensor.FacedownDetection) }

// OnFacedown registers fn for facedown reports. fn runs on the interrupt
// goroutine and must not block.
func (h *Hub) OnFacedown(fn func(facedown bool)) {
	h.obsMu.Lock()
	h.observers = append(h.observers, fn)
	h.obsMu.Unlock()
}

func (h *Hub) SetPowerKeyPressed(on bool) { h.powerKey.Store(on) }

func (h *Hub) PowerKeyPressed() bool { return h.powerKey.Load() }

// Suspend stops bus traffic and drops the wake line.
func (h *Hub) Suspend() { h.bus.Suspend() }

func (h *Hub) Resume() { h.bus.Resume() }

// McuTime reads the MCU's free-running clock.
func (h *Hub) McuTime(ctx context.Context) (uint64, error) {
	buf := make([]byte, 8)
	if err := h.bus.ReadPowered(ctx, regmap.McuTime, buf); err != nil {
		return 0, errors.Wrap(err, "hub: mcu time")
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (h *Hub) FirmwareVersion(ctx context.Context) (calib.Version, error) {
	v, err := calib.ReadVersion(ctx, h.bus)
	return v, errors.Wrap(err, "hub: firmware version")
}

// CalibrationData reads back what the hub holds for f.
func (h *Hub) CalibrationData(ctx context.Context, f calib.Family) ([]byte, error) {
	b, err := calib.ReadBack(ctx, h.bus, f)
	return b, errors.Wrapf(err, "hub: calibration %s", f)
}

// SetCalibration stores a calibration record for f and writes it when the
// MCU is in application mode. It is replayed on every re-init.
func (h *Hub) SetCalibration(ctx context.Context, f calib.Family, data []byte) error {
	rec, err := calib.NewCalibrated(f, data)
	if err != nil {
		return err
	}
	h.calMu.Lock()
	h.cal.Records[f] = rec
	h.calMu.Unlock()

	if !h.probed.Load() || !h.inApp() {
		return nil
	}
	_, err = calib.WriteFamily(ctx, h.bus, h.calibration(), f)
	return errors.Wrapf(err, "hub: calibration %s", f)
}

// SetPlacement stores and applies the sensor mounting orientation.
func (h *Hub) SetPlacement(ctx context.Context, p calib.Placement) error {
	h.calMu.Lock()
	h.placement = p
	h.calMu.Unlock()

	if !h.probed.Load() || !h.inApp() {
		return nil
	}
	return errors.Wrap(p.Apply(ctx, h.bus), "hub: placement")
}
