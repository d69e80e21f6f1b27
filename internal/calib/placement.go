package calib

import (
	"context"
	"fmt"
	"log"

	"go.uber.org/multierr"

	"sensorhub/internal/regmap"
)

const placementTries = 3

// Placement is the mounting orientation code of each motion sensor.
type Placement struct {
	Accel   byte
	Compass byte
	Gyro    byte
}

// Apply writes each orientation and reads it back, up to three tries per
// sensor. A sensor that never verifies is reported in the error.
func (p Placement) Apply(ctx context.Context, bus Bus) error {
	var err error
	for _, e := range []struct {
		name string
		reg  byte
		v    byte
	}{
		{"accel", regmap.AccelPosition, p.Accel},
		{"compass", regmap.CompassPosition, p.Compass},
		{"gyro", regmap.GyroPosition, p.Gyro},
	} {
		err = multierr.Append(err, writeVerify(ctx, bus, e.name, e.reg, e.v))
	}
	return err
}

func writeVerify(ctx context.Context, bus Bus, name string, reg, v byte) error {
	got := []byte{0}
	var last error
	for i := 0; i < placementTries; i++ {
		if err := bus.WritePowered(ctx, reg, []byte{v}); err != nil {
			last = err
			continue
		}
		if err := bus.ReadPowered(ctx, reg, got); err != nil {
			log.Printf("calib: %s position read: %v", name, err)
			last = err
			continue
		}
		if got[0] == v {
			return nil
		}
		log.Printf("calib: %s position read back 0x%02x want 0x%02x", name, got[0], v)
		last = fmt.Errorf("read back 0x%02x", got[0])
	}
	return fmt.Errorf("calib: %s placement 0x%02x: %w", name, v, last)
}
