package hub

import (
	"context"
	"encoding/binary"
	"log"
	"time"

	"sensorhub/internal/events"
	"sensorhub/internal/lifecycle"
	"sensorhub/internal/recovery"
	"sensorhub/internal/regbus"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

const (
	// Highest proximity and light levels the hub reports; larger values are
	// status-only interrupts.
	proximityMax = 1
	lightMax     = 10

	gestureTries      = 20
	gestureRetryDelay = 5 * time.Millisecond
	watchdogDelay     = 5 * time.Millisecond
)

type intStatus struct {
	st1, st2, st3, st4 byte
	err, batch         byte
}

// dispatch services one interrupt. Every status register is read once up
// front; sources are then handled in a fixed order and each observed bit is
// acknowledged by writing that bit back. A diagnostic request on the status
// line only queues a state change.
func (h *Hub) dispatch(ctx context.Context) {
	h.interrupts.Add(1)
	if h.sampleStatus() == lifecycle.LevelDiagnostic {
		h.work.Request(recovery.StateChange)
		return
	}
	if h.fsm.OffNormal() {
		return
	}

	ctx = regbus.Atomic(ctx)
	g := h.bus.Gate()
	g.On()
	defer g.Off()

	st := intStatus{
		st1:   h.readByte(ctx, regmap.IntST1),
		st2:   h.readByte(ctx, regmap.IntST2),
		st3:   h.readByte(ctx, regmap.IntST3),
		st4:   h.readByte(ctx, regmap.IntST4),
		err:   h.readByte(ctx, regmap.ErrST),
		batch: h.readByte(ctx, regmap.BatchCommand),
	}

	if st.st1&regmap.ST1Proximity != 0 {
		h.onProximity(ctx)
	}
	if st.st1&regmap.ST1Light != 0 {
		h.onLight(ctx)
	}

	if st.st2&regmap.ST2Bootup != 0 {
		log.Printf("hub: boot-up interrupt")
		h.fsm.SetBootup()
		h.work.Request(recovery.StateChange)
		h.ack(ctx, regmap.IntST2, regmap.ST2Bootup)
	}
	if st.st2&regmap.ST2LogAvailable != 0 {
		h.LogAvail.Complete()
		h.ack(ctx, regmap.IntST2, regmap.ST2LogAvailable)
	}

	if st.st3&regmap.ST3SignificantMotion != 0 {
		if h.enabled(sensor.SignificantMotion) {
			h.emit(sensor.SignificantMotion, 1)
		}
		h.ack(ctx, regmap.IntST3, regmap.ST3SignificantMotion)
	}
	if st.st3&regmap.ST3StepDetector != 0 {
		if h.enabled(sensor.StepDetector) {
			if b, err := h.readOne(ctx, regmap.ReadStepDetector); err != nil {
				log.Printf("hub: step detector: %v", err)
			} else {
				h.emit(sensor.StepDetector, int16(b))
			}
		}
		h.ack(ctx, regmap.IntST3, regmap.ST3StepDetector)
	}
	if st.st3&regmap.ST3StepCounter != 0 {
		if h.enabled(sensor.StepCounter) {
			buf := make([]byte, 4)
			if err := h.bus.Read(ctx, regmap.ReadStepCounter, buf); err != nil {
				log.Printf("hub: step counter: %v", err)
			} else {
				h.dec.Emit(stepCounterEvent(buf))
			}
		}
		h.ack(ctx, regmap.IntST3, regmap.ST3StepCounter)
	}
	if st.st3&regmap.ST3Facedown != 0 {
		if h.enabled(sensor.FacedownDetection) {
			if b, err := h.readOne(ctx, regmap.ReadFacedown); err != nil {
				log.Printf("hub: facedown: %v", err)
			} else {
				h.notifyFacedown(b != 0)
			}
		}
		h.ack(ctx, regmap.IntST3, regmap.ST3Facedown)
	}

	if st.st4&regmap.ST4Gesture != 0 {
		h.onGesture(ctx)
	}
	if st.st4&regmap.ST4AnyMotion != 0 {
		if h.enabled(sensor.AnyMotion) {
			h.emit(sensor.AnyMotion, 1)
		}
		h.ack(ctx, regmap.IntST4, regmap.ST4AnyMotion)
	}

	if st.err&regmap.ErrWarnMsg != 0 {
		h.drainWarn(ctx)
		h.ack(ctx, regmap.ErrST, regmap.ErrWarnMsg)
	}
	if st.err&regmap.ErrException != 0 {
		h.drainException(ctx)
		if h.bus.ResetHub(ctx, false) {
			log.Printf("hub: reset after exception done")
			h.work.Request(recovery.ReInit)
		}
		h.ack(ctx, regmap.ErrST, regmap.ErrException)
	}
	if st.err&regmap.ErrWatchdog != 0 {
		log.Printf("hub: watchdog reset")
		sleep(watchdogDelay)
		buf := make([]byte, regmap.WatchdogStatusLen)
		if err := h.bus.Read(ctx, regmap.WatchdogStatus, buf); err != nil {
			log.Printf("hub: watchdog status: %v", err)
		} else {
			log.Printf("hub: watchdog status % x", buf)
		}
		h.work.Request(recovery.ReInit)
		h.ack(ctx, regmap.ErrST, regmap.ErrWatchdog)
	}

	if st.batch&regmap.BatchStatusMask != 0 {
		var clr byte
		if st.batch&regmap.BatchTimeExhausted != 0 {
			h.emit(sensor.TimeDiffExhausted, regmap.ExhaustedMagic)
			clr = regmap.BatchTimeExhausted
		} else if st.batch&regmap.BatchDrainReady != 0 {
			if _, err := h.dec.DrainBatch(ctx); err != nil {
				log.Printf("hub: batch drain: %v", err)
			}
			clr = regmap.BatchDrainReady
		}
		h.ack(ctx, regmap.BatchCommand, clr)
	}
}

func (h *Hub) onProximity(ctx context.Context) {
	data := make([]byte, regmap.ProximityLen)
	if h.enabled(sensor.Proximity) {
		if err := h.bus.Read(ctx, regmap.ReadProximity, data); err != nil {
			log.Printf("hub: proximity: %v", err)
		}
		if data[0] <= proximityMax {
			h.emit(sensor.Proximity, int16(data[0]))
			log.Printf("hub: proximity %d adc=0x%04X min_adc=0x%04X autok_thd=0x%04X", data[0],
				binary.LittleEndian.Uint16(data[1:3]),
				binary.LittleEndian.Uint16(data[3:5]),
				binary.LittleEndian.Uint16(data[5:7]))
		}
	}
	if data[0] <= proximityMax {
		h.ack(ctx, regmap.IntST1, regmap.ST1Proximity)
		if err := h.bus.Write(ctx, regmap.ReadProximity, data[:1]); err != nil {
			log.Printf("hub: proximity write back: %v", err)
		}
	}
}

func (h *Hub) onLight(ctx context.Context) {
	data := make([]byte, regmap.LightLen)
	if h.enabled(sensor.Light) {
		if err := h.bus.Read(ctx, regmap.ReadLight, data); err != nil {
			log.Printf("hub: light: %v", err)
		}
		if data[0] <= lightMax {
			e := events.Event{ID: sensor.Light}
			e.Values[0] = int16(data[0])
			h.cacheLight(e)
			h.dec.Emit(e)
		}
	}
	if data[0] <= lightMax {
		h.ack(ctx, regmap.IntST1, regmap.ST1Light)
	}
}

// onGesture reads the gesture block, retrying while the hub is still
// filling it, and reports it packed into one event.
func (h *Hub) onGesture(ctx context.Context) {
	data := make([]byte, regmap.GestureLen)
	var err error
	for i := 0; i < gestureTries; i++ {
		if err = h.bus.Read(ctx, regmap.ReadGesture, data); err == nil {
			break
		}
		sleep(gestureRetryDelay)
	}
	if err != nil {
		log.Printf("hub: gesture: %v", err)
	} else {
		h.dec.Emit(events.Event{ID: sensor.GestureMotion, Values: packGesture(data)})
		h.powerKey.Store(false)
	}
	h.ack(ctx, regmap.IntST4, regmap.ST4Gesture)
}

// packGesture folds the gesture block into 32 bits: type in bits 0-4, a
// 10-bit argument in bits 5-14, then two more bytes at 15 and 23. The low
// and high halves become Values[0] and Values[1].
func packGesture(d []byte) [3]int16 {
	ev := uint32(d[0]&0x1F) |
		((uint32(d[1])|uint32(d[2])<<8)&0x3FF)<<5 |
		uint32(d[3])<<15 |
		uint32(d[4])<<23
	return [3]int16{int16(uint16(ev)), int16(uint16(ev >> 16)), 0}
}

func (h *Hub) drainWarn(ctx context.Context) {
	n, err := h.readOne(ctx, regmap.WarnMsgBufferLen)
	if err != nil {
		log.Printf("hub: warn msg length: %v", err)
		return
	}
	if int(n) > regmap.WarnMsgMaxLen {
		log.Printf("hub: warn msg length %d out of range", n)
		return
	}
	msg := make([]byte, 0, n)
	blk := make([]byte, regmap.WarnMsgBlockLen)
	for len(msg) < int(n) {
		k := min(len(blk), int(n)-len(msg))
		if err := h.bus.Read(ctx, regmap.WarnMsgBuffer, blk[:k]); err != nil {
			log.Printf("hub: warn msg at %d: %v", len(msg), err)
			break
		}
		msg = append(msg, blk[:k]...)
	}
	log.Printf("hub: mcu warning %q", msg)
}

func (h *Hub) drainException(ctx context.Context) {
	hdr := make([]byte, 4)
	if err := h.bus.Read(ctx, regmap.ExceptionLen, hdr); err != nil {
		log.Printf("hub: exception length: %v", err)
		return
	}
	n := min(int(binary.LittleEndian.Uint32(hdr)), regmap.ExceptionMaxLen)
	log.Printf("hub: mcu exception, %d bytes", n)
	blk := make([]byte, regmap.ExceptionBlockLen)
	for i := 0; n > 0; i++ {
		k := min(n, len(blk))
		if err := h.bus.Read(ctx, regmap.ExceptionBuffer, blk[:k]); err != nil {
			log.Printf("hub: exception block %d: %v", i, err)
			return
		}
		log.Printf("hub: exception[%d] % x", i, blk[:k])
		n -= k
	}
}

func (h *Hub) readByte(ctx context.Context, reg byte) byte {
	b, _ := h.readOne(ctx, reg)
	return b
}

func (h *Hub) readOne(ctx context.Context, reg byte) (byte, error) {
	b := []byte{0}
	err := h.bus.Read(ctx, reg, b)
	return b[0], err
}

// ack clears bit in reg.
func (h *Hub) ack(ctx context.Context, reg, bit byte) {
	if err := h.bus.Write(ctx, reg, []byte{bit}); err != nil {
		log.Printf("hub: clear 0x%02X in 0x%02X: %v", bit, reg, err)
	}
}

func (h *Hub) enabled(id sensor.ID) bool { return h.sched.Enabled().Has(id) }

func (h *Hub) emit(id sensor.ID, v int16) {
	e := events.Event{ID: id}
	e.Values[0] = v
	h.dec.Emit(e)
}

func stepCounterEvent(buf []byte) events.Event {
	e := events.Event{ID: sensor.StepCounter}
	e.Values[0] = int16(binary.LittleEndian.Uint16(buf[0:2]))
	e.Values[1] = int16(binary.LittleEndian.Uint16(buf[2:4]))
	return e
}

func (h *Hub) cacheLight(e events.Event) {
	h.lightMu.Lock()
	h.lastLight = &e
	h.lightMu.Unlock()
}

func (h *Hub) lastLightEvent() (events.Event, bool) {
	h.lightMu.Lock()
	defer h.lightMu.Unlock()
	if h.lastLight == nil {
		return events.Event{}, false
	}
	return *h.lastLight, true
}

func (h *Hub) notifyFacedown(on bool) {
	h.obsMu.Lock()
	obs := append([]func(bool){}, h.observers...)
	h.obsMu.Unlock()
	for _, fn := range obs {
		fn(on)
	}
}
