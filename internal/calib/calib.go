// Package calib holds the factory calibration and sensor placement the hub
// forgets on every reset, and replays them into it.
package calib

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"go.uber.org/multierr"

	"sensorhub/internal/errcode"
	"sensorhub/internal/regmap"
)

// Bus is the register access replay needs.
type Bus interface {
	ReadPowered(ctx context.Context, reg byte, dst []byte) error
	WritePowered(ctx context.Context, reg byte, data []byte) error
	MultiWritePowered(ctx context.Context, reg byte, data []byte) error
}

type Family int

const (
	Accel Family = iota
	Gyro
	Light
	Proximity
	Pressure
)

var families = []Family{Accel, Gyro, Light, Proximity, Pressure}

func (f Family) String() string {
	switch f {
	case Accel:
		return "accel"
	case Gyro:
		return "gyro"
	case Light:
		return "light"
	case Proximity:
		return "proximity"
	case Pressure:
		return "pressure"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily resolves a family by name.
func ParseFamily(s string) (Family, error) {
	for _, f := range families {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, errcode.New(errcode.InvalidArgument, "calib: family", s)
}

// Len is the number of coefficient bytes the family takes.
func (f Family) Len() int {
	switch f {
	case Accel, Gyro:
		return 3
	case Light:
		return 2
	case Proximity, Pressure:
		return 4
	default:
		return 0
	}
}

func (f Family) setReg() byte {
	switch f {
	case Accel:
		return regmap.CalSetAcc
	case Gyro:
		return regmap.CalSetGyro
	case Light:
		return regmap.CalSetLight
	case Proximity:
		return regmap.CalSetProx
	default:
		return regmap.CalSetPressure
	}
}

func (f Family) getReg() byte {
	switch f {
	case Accel:
		return regmap.CalGetAcc
	case Gyro:
		return regmap.CalGetGyro
	case Light:
		return regmap.CalGetLight
	case Proximity:
		return regmap.CalGetProx
	default:
		return regmap.CalGetPressure
	}
}

// Record is either Uncalibrated or Calibrated.
type Record interface {
	calibrated() bool
}

type Uncalibrated struct{}

func (Uncalibrated) calibrated() bool { return false }

// Calibrated carries the coefficient bytes in the order the hub expects.
type Calibrated struct {
	Data []byte
}

func (Calibrated) calibrated() bool { return true }

// NewCalibrated checks the length against the family.
func NewCalibrated(f Family, data []byte) (Calibrated, error) {
	if n := f.Len(); n == 0 || len(data) != n {
		return Calibrated{}, errcode.New(errcode.InvalidArgument, "calib: "+f.String(),
			fmt.Sprintf("want %d bytes, got %d", f.Len(), len(data)))
	}
	return Calibrated{Data: append([]byte(nil), data...)}, nil
}

func IsCalibrated(r Record) bool { return r != nil && r.calibrated() }

const (
	// DefaultLightGolden is the light golden ADC used when none is configured.
	DefaultLightGolden uint16 = 0x0A38
	LightLevels               = 10
)

// Set is everything replayed after a reset.
type Set struct {
	Records map[Family]Record

	LightGolden uint16
	LightLevels [LightLevels]uint16
	// ProximityThreshold replaces a zero threshold in the proximity record.
	ProximityThreshold uint16
}

func (s *Set) record(f Family) Record {
	if s == nil || s.Records == nil {
		return Uncalibrated{}
	}
	if r, ok := s.Records[f]; ok && r != nil {
		return r
	}
	return Uncalibrated{}
}

// Result reports what a replay wrote.
type Result struct {
	Version    Version
	Calibrated map[Family]bool
}

// Replay logs the firmware version, then writes every calibration family
// and the light level table. Failures are collected; every family is tried.
func Replay(ctx context.Context, bus Bus, s *Set) (Result, error) {
	res := Result{Calibrated: make(map[Family]bool)}
	var err error

	v, verr := ReadVersion(ctx, bus)
	if verr != nil {
		err = multierr.Append(err, verr)
	}
	res.Version = v
	log.Printf("calib: firmware %s", v)

	for _, f := range families {
		ok, ferr := WriteFamily(ctx, bus, s, f)
		res.Calibrated[f] = ok
		err = multierr.Append(err, ferr)
	}

	levels := make([]byte, 0, 2*LightLevels)
	if s != nil {
		for _, l := range s.LightLevels {
			levels = binary.LittleEndian.AppendUint16(levels, l)
		}
	} else {
		levels = levels[:2*LightLevels]
	}
	if werr := bus.MultiWritePowered(ctx, regmap.LightLevel, levels); werr != nil {
		err = multierr.Append(err, fmt.Errorf("calib: light levels: %w", werr))
	}

	log.Printf("calib: calibrated accel=%v gyro=%v light=%v proximity=%v pressure=%v",
		res.Calibrated[Accel], res.Calibrated[Gyro], res.Calibrated[Light],
		res.Calibrated[Proximity], res.Calibrated[Pressure])
	return res, err
}

// WriteFamily writes one family's record from s and reports whether a
// calibrated record was written.
func WriteFamily(ctx context.Context, bus Bus, s *Set, f Family) (bool, error) {
	r := s.record(f)
	var data []byte
	switch f {
	case Light:
		golden := DefaultLightGolden
		if s != nil && s.LightGolden != 0 {
			golden = s.LightGolden
		}
		data = binary.LittleEndian.AppendUint16(nil, golden)
		if c, ok := r.(Calibrated); ok {
			data = append(data, c.Data...)
		} else {
			data = binary.LittleEndian.AppendUint16(data, golden)
		}
	case Proximity:
		c, ok := r.(Calibrated)
		if !ok {
			return false, nil
		}
		data = append([]byte(nil), c.Data...)
		if data[2] == 0 && data[3] == 0 && s != nil {
			binary.LittleEndian.PutUint16(data[2:], s.ProximityThreshold)
		}
	default:
		c, ok := r.(Calibrated)
		if !ok {
			return false, nil
		}
		data = c.Data
	}
	if err := bus.MultiWritePowered(ctx, f.setReg(), data); err != nil {
		return false, fmt.Errorf("calib: %s: %w", f, err)
	}
	return IsCalibrated(r), nil
}

// ReadBack reads the calibration the hub currently holds for f.
func ReadBack(ctx context.Context, bus Bus, f Family) ([]byte, error) {
	n := f.Len()
	if n == 0 {
		return nil, errcode.New(errcode.InvalidArgument, "calib: read back", f.String())
	}
	buf := make([]byte, n)
	if err := bus.ReadPowered(ctx, f.getReg(), buf); err != nil {
		return nil, fmt.Errorf("calib: read back %s: %w", f, err)
	}
	return buf, nil
}
