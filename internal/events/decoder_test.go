package events

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"sensorhub/internal/gpio"
	"sensorhub/internal/i2c"
	"sensorhub/internal/regbus"
	"sensorhub/internal/regmap"
	"sensorhub/internal/sensor"
)

const hubAddr = 0x3A

func record(tag sensor.ID, ts uint16, a, b, c int16) []byte {
	rec := []byte{byte(tag)}
	rec = binary.LittleEndian.AppendUint16(rec, ts)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(a))
	rec = binary.LittleEndian.AppendUint16(rec, uint16(b))
	rec = binary.LittleEndian.AppendUint16(rec, uint16(c))
	return rec
}

func timeBaseRecord(tb uint64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{byte(sensor.TimeBase)}, tb)
}

type collect struct{ got []Event }

func (c *collect) Send(e Event) error {
	c.got = append(c.got, e)
	return nil
}

// playbackBus runs register reads over a periph playback so the exact wire
// transfers are checked.
func playbackBus(t *testing.T, ops []i2ctest.IO) (*regbus.Bus, *i2ctest.Playback) {
	t.Helper()
	pb := &i2ctest.Playback{Ops: ops, DontPanic: true}
	mem := gpio.NewMem()
	b := regbus.New(i2c.Device(pb, hubAddr), mem.Set(nil).Lines, regbus.Config{
		WakePulse:  time.Microsecond,
		WakeSettle: time.Microsecond,
	})
	return b, pb
}

func TestDecode_MagneticWithAccuracy(t *testing.T) {
	bus, pb := playbackBus(t, []i2ctest.IO{
		{Addr: hubAddr, W: []byte{regmap.AccuracyMag}, R: []byte{2}},
	})
	sink := &collect{}
	d := NewDecoder(bus, sink)
	ctx := context.Background()

	if _, err := d.Decode(ctx, timeBaseRecord(5000)); err != nil {
		t.Fatalf("time base: %v", err)
	}
	if _, err := d.Decode(ctx, record(sensor.Magnetic, 1234, 100, -200, 300)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := pb.Close(); err != nil {
		t.Fatalf("playback: %v", err)
	}

	if len(sink.got) != 1 {
		t.Fatalf("events=%d want 1", len(sink.got))
	}
	e := sink.got[0]
	if e.ID != sensor.Magnetic {
		t.Fatalf("id=%v want magnetic", e.ID)
	}
	if e.Values != [3]int16{100, -200, 300} {
		t.Fatalf("values=%v", e.Values)
	}
	if e.Bias != [3]int16{2, 0, 0} {
		t.Fatalf("bias=%v want [2 0 0]", e.Bias)
	}
	if e.Timestamp != 1234+5000 {
		t.Fatalf("timestamp=%d want %d", e.Timestamp, 1234+5000)
	}
}

func TestDecode_AccuracyReadFailureDefaults(t *testing.T) {
	r := &queueReader{fail: map[byte]error{regmap.AccuracyMag: errors.New("nack")}}
	sink := &collect{}
	d := NewDecoder(r, sink)
	if _, err := d.Decode(context.Background(), record(sensor.Orientation, 1, 1, 2, 3)); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sink.got[0].Bias[0] != DefaultAccuracy {
		t.Fatalf("accuracy=%d want %d", sink.got[0].Bias[0], DefaultAccuracy)
	}
}

func TestDecode_UncalibratedBiasTwoStep(t *testing.T) {
	follow := record(sensor.MagneticUncalibrated, 40, 7, 8, 9)
	bus, pb := playbackBus(t, []i2ctest.IO{
		{Addr: hubAddr, W: []byte{regmap.BatchQueue}, R: follow},
	})
	sink := &collect{}
	d := NewDecoder(bus, sink)

	extra, err := d.Decode(context.Background(), record(sensor.MagneticUncalibratedBias, 0, -1, -2, -3))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if extra != 1 {
		t.Fatalf("extra=%d want 1", extra)
	}
	if pb.Count != 1 {
		t.Fatalf("bus reads=%d want exactly 1", pb.Count)
	}
	if err := pb.Close(); err != nil {
		t.Fatalf("playback: %v", err)
	}
	e := sink.got[0]
	if e.ID != sensor.MagneticUncalibrated {
		t.Fatalf("id=%v want magnetic_uncalibrated", e.ID)
	}
	if e.Bias != [3]int16{-1, -2, -3} {
		t.Fatalf("bias=%v want [-1 -2 -3]", e.Bias)
	}
	if e.Values != [3]int16{7, 8, 9} || e.Timestamp != 40 {
		t.Fatalf("values=%v ts=%d", e.Values, e.Timestamp)
	}
}

func TestDecode_MetaDataAndShortRecord(t *testing.T) {
	sink := &collect{}
	d := NewDecoder(&queueReader{}, sink)
	rec := record(sensor.MetaData, 0, int16(sensor.Gyro), 0, 0)
	if _, err := d.Decode(context.Background(), rec); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sink.got[0].ID != sensor.MetaData || sink.got[0].Values[0] != int16(sensor.Gyro) {
		t.Fatalf("event=%v", sink.got[0])
	}
	if _, err := d.Decode(context.Background(), rec[:5]); err == nil {
		t.Fatalf("short record accepted")
	}
}

// queueReader serves the batch counter and queue from memory.
type queueReader struct {
	queue [][]byte
	fail  map[byte]error
	// failAt fails the queue read with this index (1-based); 0 disables.
	failAt int
	reads  int
}

func (q *queueReader) Read(_ context.Context, reg byte, dst []byte) error {
	if err := q.fail[reg]; err != nil {
		clear(dst)
		return err
	}
	switch reg {
	case regmap.BatchCounter:
		binary.LittleEndian.PutUint32(dst, uint32(len(q.queue)))
	case regmap.BatchQueue:
		q.reads++
		if q.failAt != 0 && q.reads == q.failAt {
			return errors.New("nack")
		}
		if len(q.queue) == 0 {
			dst[0] = byte(sensor.NoData)
			return nil
		}
		copy(dst, q.queue[0])
		q.queue = q.queue[1:]
	default:
		clear(dst)
	}
	return nil
}

func TestDrainBatch(t *testing.T) {
	q := &queueReader{queue: [][]byte{
		timeBaseRecord(1000),
		record(sensor.Acceleration, 10, 1, 2, 3),
		{byte(sensor.NoData), 0, 0, 0, 0, 0, 0, 0, 0},
		record(sensor.GyroscopeUncalibratedBias, 0, 4, 5, 6),
		record(sensor.GyroscopeUncalibrated, 20, 7, 8, 9),
		record(sensor.StepCounter, 30, 11, 0, 0),
	}}
	sink := &collect{}
	d := NewDecoder(q, sink)

	n, err := d.DrainBatch(context.Background())
	if err != nil {
		t.Fatalf("DrainBatch: %v", err)
	}
	if n != 4 {
		t.Fatalf("decoded=%d want 4", n)
	}
	if len(sink.got) != 3 {
		t.Fatalf("events=%v", sink.got)
	}
	if sink.got[0].ID != sensor.Acceleration || sink.got[0].Timestamp != 1010 {
		t.Fatalf("first=%v", sink.got[0])
	}
	if sink.got[1].ID != sensor.GyroscopeUncalibrated || sink.got[1].Bias != [3]int16{4, 5, 6} {
		t.Fatalf("second=%v", sink.got[1])
	}
	if sink.got[2].ID != sensor.StepCounter || sink.got[2].Timestamp != 1030 {
		t.Fatalf("third=%v", sink.got[2])
	}
	if st := d.Snapshot(); st.Skipped != 1 || st.TimeBase != 1000 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestDrainBatch_ReadFailureStops(t *testing.T) {
	q := &queueReader{
		queue: [][]byte{
			record(sensor.Acceleration, 1, 1, 1, 1),
			record(sensor.Acceleration, 2, 2, 2, 2),
			record(sensor.Acceleration, 3, 3, 3, 3),
		},
		failAt: 2,
	}
	sink := &collect{}
	d := NewDecoder(q, sink)

	n, err := d.DrainBatch(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if n != 1 || len(sink.got) != 1 {
		t.Fatalf("decoded=%d events=%d want 1/1", n, len(sink.got))
	}

	q2 := &queueReader{fail: map[byte]error{regmap.BatchCounter: errors.New("nack")}}
	if n, err := NewDecoder(q2, sink).DrainBatch(context.Background()); err == nil || n != 0 {
		t.Fatalf("counter failure: n=%d err=%v", n, err)
	}
}

func TestChan_DropsWhenFull(t *testing.T) {
	c := NewChan(1)
	if err := c.Send(Event{ID: sensor.Light}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := c.Send(Event{ID: sensor.Light}); err == nil {
		t.Fatalf("expected drop")
	}
	if c.Dropped() != 1 || c.Sent() != 1 {
		t.Fatalf("dropped=%d sent=%d", c.Dropped(), c.Sent())
	}
	c.Close()
	if err := c.Send(Event{}); err == nil {
		t.Fatalf("send after close accepted")
	}
	if e, ok := <-c.C(); !ok || e.ID != sensor.Light {
		t.Fatalf("buffered event lost")
	}
}
