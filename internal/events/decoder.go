package events

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/errcode"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

var now = time.Now

// DefaultAccuracy is reported when the accuracy side-read fails.
const DefaultAccuracy = 3

// Reader is the register read the decoder needs.
type Reader interface {
	Read(ctx context.Context, reg byte, dst []byte) error
}

type Stats struct {
	Decoded   uint64
	Skipped   uint64
	Failures  uint64
	SendFails uint64
	TimeBase  uint64
}

// Decoder decodes queue records. It keeps the time base announced by the
// hub, so one Decoder serves one hub.
type Decoder struct {
	r    Reader
	sink Sink

	mu       sync.Mutex
	timeBase uint64

	decoded   atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
	sendFails atomic.Uint64
}

func NewDecoder(r Reader, sink Sink) *Decoder {
	if sink == nil {
		sink = Discard
	}
	return &Decoder{r: r, sink: sink}
}

func (d *Decoder) TimeBase() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeBase
}

func (d *Decoder) stamp(rel uint16) int64 {
	return int64(uint64(rel) + d.TimeBase())
}

// Emit sends e to the sink, filling At when unset.
func (d *Decoder) Emit(e Event) {
	if e.At.IsZero() {
		e.At = now()
	}
	if err := d.sink.Send(e); err != nil {
		d.sendFails.Add(1)
		log.Printf("events: send %s: %v", e.ID, err)
		return
	}
	d.decoded.Add(1)
}

func words(rec []byte) (ts uint16, v [3]int16) {
	ts = binary.LittleEndian.Uint16(rec[1:3])
	v[0] = int16(binary.LittleEndian.Uint16(rec[3:5]))
	v[1] = int16(binary.LittleEndian.Uint16(rec[5:7]))
	v[2] = int16(binary.LittleEndian.Uint16(rec[7:9]))
	return ts, v
}

// Decode handles one queue record. extra is the number of follow-up records
// it pulled from the queue.
func (d *Decoder) Decode(ctx context.Context, rec []byte) (extra int, err error) {
	if len(rec) < regmap.RecordLen {
		return 0, errcode.New(errcode.InvalidArgument, "events: decode", fmt.Sprintf("record len %d", len(rec)))
	}
	tag := sensor.ID(rec[0])
	switch tag {
	case sensor.NoData:
		d.skipped.Add(1)
		return 0, nil

	case sensor.MetaData:
		var e Event
		e.ID = sensor.MetaData
		e.Values[0] = int16(binary.LittleEndian.Uint16(rec[3:5]))
		d.Emit(e)
		return 0, nil

	case sensor.TimeBase:
		tb := binary.LittleEndian.Uint64(rec[1:9])
		d.mu.Lock()
		d.timeBase = tb
		d.mu.Unlock()
		return 0, nil

	case sensor.MagneticUncalibratedBias, sensor.GyroscopeUncalibratedBias:
		id := sensor.MagneticUncalibrated
		if tag == sensor.GyroscopeUncalibratedBias {
			id = sensor.GyroscopeUncalibrated
		}
		_, bias := words(rec)
		next := make([]byte, regmap.RecordLen)
		if err := d.r.Read(ctx, regmap.BatchQueue, next); err != nil {
			d.failures.Add(1)
			return 0, fmt.Errorf("events: %s follow-up: %w", id, err)
		}
		ts, v := words(next)
		d.Emit(Event{ID: id, Values: v, Bias: bias, Timestamp: d.stamp(ts)})
		return 1, nil

	case sensor.Magnetic, sensor.Orientation:
		ts, v := words(rec)
		acc := make([]byte, 1)
		var bias [3]int16
		if err := d.r.Read(ctx, regmap.AccuracyMag, acc); err != nil {
			log.Printf("events: read accuracy: %v", err)
			bias[0] = DefaultAccuracy
		} else {
			bias[0] = int16(acc[0])
		}
		d.Emit(Event{ID: tag, Values: v, Bias: bias, Timestamp: d.stamp(ts)})
		return 0, nil

	default:
		ts, v := words(rec)
		d.Emit(Event{ID: tag, Values: v, Timestamp: d.stamp(ts)})
		return 0, nil
	}
}

// DrainBatch reads the queue counter and decodes that many records. A read
// failure stops the drain; records already decoded stay emitted.
func (d *Decoder) DrainBatch(ctx context.Context) (int, error) {
	cnt := make([]byte, 4)
	if err := d.r.Read(ctx, regmap.BatchCounter, cnt); err != nil {
		d.failures.Add(1)
		return 0, fmt.Errorf("events: queue counter: %w", err)
	}
	n := int(binary.LittleEndian.Uint32(cnt))

	rec := make([]byte, regmap.RecordLen)
	done := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := d.r.Read(ctx, regmap.BatchQueue, rec); err != nil {
			d.failures.Add(1)
			return done, fmt.Errorf("events: queue record %d/%d: %w", i, n, err)
		}
		if sensor.ID(rec[0]) == sensor.NoData {
			d.skipped.Add(1)
			continue
		}
		extra, err := d.Decode(ctx, rec)
		i += extra
		if err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (d *Decoder) Snapshot() Stats {
	return Stats{
		Decoded:   d.decoded.Load(),
		Skipped:   d.skipped.Load(),
		Failures:  d.failures.Load(),
		SendFails: d.sendFails.Load(),
		TimeBase:  d.TimeBase(),
	}
}
