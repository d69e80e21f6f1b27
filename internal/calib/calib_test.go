package calib

import (
	"context"
	"errors"
	"testing"

	"sensorhub/internal/errcode"
	"sensorhub/internal/regmap"
)

type fakeBus struct {
	regs   map[byte][]byte
	writes map[byte][]byte
	// corrupt makes the next n read-backs of a register return garbage.
	corrupt map[byte]int
	reads   map[byte]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs:    map[byte][]byte{},
		writes:  map[byte][]byte{},
		corrupt: map[byte]int{},
		reads:   map[byte]int{},
	}
}

func (b *fakeBus) ReadPowered(_ context.Context, reg byte, dst []byte) error {
	b.reads[reg]++
	if b.corrupt[reg] > 0 {
		b.corrupt[reg]--
		for i := range dst {
			dst[i] = 0xEE
		}
		return nil
	}
	copy(dst, b.regs[reg])
	return nil
}

func (b *fakeBus) WritePowered(_ context.Context, reg byte, data []byte) error {
	b.writes[reg] = append(b.writes[reg], data...)
	b.regs[reg] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBus) MultiWritePowered(ctx context.Context, reg byte, data []byte) error {
	return b.WritePowered(ctx, reg, data)
}

func TestNewCalibrated_LengthChecked(t *testing.T) {
	if _, err := NewCalibrated(Accel, []byte{1, 2}); !errors.Is(err, errcode.InvalidArgument) {
		t.Fatalf("err=%v want InvalidArgument", err)
	}
	c, err := NewCalibrated(Pressure, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewCalibrated: %v", err)
	}
	if !IsCalibrated(c) || IsCalibrated(Uncalibrated{}) || IsCalibrated(nil) {
		t.Fatalf("IsCalibrated mismatch")
	}
}

func TestReplay(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regmap.FirmwareVersion] = []byte{1, 2, 3, 4, 5, 6}
	acc, _ := NewCalibrated(Accel, []byte{0x10, 0x20, 0x30})
	prox, _ := NewCalibrated(Proximity, []byte{0x05, 0x00, 0x00, 0x00})
	s := &Set{
		Records:            map[Family]Record{Accel: acc, Proximity: prox},
		ProximityThreshold: 0x0123,
	}
	s.LightLevels[0] = 0x0102

	res, err := Replay(context.Background(), bus, s)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Version != (Version{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("version=%v", res.Version)
	}
	if !res.Calibrated[Accel] || res.Calibrated[Gyro] || res.Calibrated[Light] || !res.Calibrated[Proximity] {
		t.Fatalf("calibrated=%v", res.Calibrated)
	}

	if got := bus.writes[regmap.CalSetAcc]; string(got) != "\x10\x20\x30" {
		t.Fatalf("accel=%x", got)
	}
	if _, ok := bus.writes[regmap.CalSetGyro]; ok {
		t.Fatalf("uncalibrated gyro written")
	}
	// Light always gets golden, then gain; without a gain the golden repeats.
	if got := bus.writes[regmap.CalSetLight]; string(got) != "\x38\x0a\x38\x0a" {
		t.Fatalf("light=%x", got)
	}
	if got := bus.writes[regmap.CalSetProx]; string(got) != "\x05\x00\x23\x01" {
		t.Fatalf("proximity=%x", got)
	}
	levels := bus.writes[regmap.LightLevel]
	if len(levels) != 2*LightLevels || levels[0] != 0x02 || levels[1] != 0x01 {
		t.Fatalf("levels=%x", levels)
	}
}

func TestPlacement_RetriesReadBack(t *testing.T) {
	bus := newFakeBus()
	bus.corrupt[regmap.CompassPosition] = 2
	p := Placement{Accel: 1, Compass: 2, Gyro: 3}

	if err := p.Apply(context.Background(), bus); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if bus.reads[regmap.AccelPosition] != 1 || bus.reads[regmap.CompassPosition] != 3 {
		t.Fatalf("reads=%v", bus.reads)
	}

	bus.corrupt[regmap.GyroPosition] = 3
	if err := p.Apply(context.Background(), bus); err == nil {
		t.Fatalf("expected gyro placement error")
	}
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("pressure")
	if err != nil || f != Pressure {
		t.Fatalf("ParseFamily=%v,%v", f, err)
	}
	if _, err := ParseFamily("magnet"); err == nil {
		t.Fatalf("unknown family accepted")
	}
}
