package calib

import (
	"context"
	"fmt"

	"sensorhub/internal/regmap"
)

// Version is the hub's six-byte firmware identification.
type Version [regmap.FirmwareVersionLen]byte

func (v Version) String() string {
	return fmt.Sprintf("arch=%d sense=%d lib=%d water=%d engine=%d project=%d",
		v[0], v[1], v[2], v[3], v[4], v[5])
}

func ReadVersion(ctx context.Context, bus Bus) (Version, error) {
	var v Version
	if err := bus.ReadPowered(ctx, regmap.FirmwareVersion, v[:]); err != nil {
		return v, fmt.Errorf("calib: firmware version: %w", err)
	}
	return v, nil
}
