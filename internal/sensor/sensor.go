package sensor

import (
	"fmt"
	"time"
)

// ID identifies a virtual sensor served by the hub. The value doubles as the
// bit position in the 32-bit enable and batch masks.
type ID uint8

const (
	Acceleration              ID = 0
	Magnetic                  ID = 1
	Gyro                      ID = 2
	Light                     ID = 3
	Proximity                 ID = 4
	Pressure                  ID = 5
	Orientation               ID = 6
	RotationVector            ID = 7
	LinearAcceleration        ID = 8
	Gravity                   ID = 9
	MagneticUncalibrated      ID = 16
	GyroscopeUncalibrated     ID = 17
	GameRotationVector        ID = 18
	GeomagneticRotationVector ID = 19
	SignificantMotion         ID = 20
	StepDetector              ID = 21
	StepCounter               ID = 22
	FacedownDetection         ID = 23
	AnyMotion                 ID = 24
	GestureMotion             ID = 25

	// End is one past the last enable-able id.
	End ID = 26
)

// Tags that only appear on the wire, never in the enable mask.
const (
	MagneticUncalibratedBias  ID = 26
	GyroscopeUncalibratedBias ID = 27
	MetaData                  ID = 28
	TimeBase                  ID = 29
	TimeDiffExhausted         ID = 30
	NoData                    ID = 0xFF
)

// Groups is the number of 8-bit enable/batch register groups.
const Groups = 4

// DefaultPeriod is the report period a sensor starts with and returns to on disable.
const DefaultPeriod = 200 * time.Millisecond

var names = map[ID]string{
	Acceleration:              "acceleration",
	Magnetic:                  "magnetic",
	Gyro:                      "gyro",
	Light:                     "light",
	Proximity:                 "proximity",
	Pressure:                  "pressure",
	Orientation:               "orientation",
	RotationVector:            "rotation_vector",
	LinearAcceleration:        "linear_acceleration",
	Gravity:                   "gravity",
	MagneticUncalibrated:      "magnetic_uncalibrated",
	GyroscopeUncalibrated:     "gyroscope_uncalibrated",
	GameRotationVector:        "game_rotation_vector",
	GeomagneticRotationVector: "geomagnetic_rotation_vector",
	SignificantMotion:         "significant_motion",
	StepDetector:              "step_detector",
	StepCounter:               "step_counter",
	FacedownDetection:         "facedown_detection",
	AnyMotion:                 "any_motion",
	GestureMotion:             "gesture_motion",
	MagneticUncalibratedBias:  "magnetic_uncalibrated_bias",
	GyroscopeUncalibratedBias: "gyroscope_uncalibrated_bias",
	MetaData:                  "meta_data",
	TimeBase:                  "time_base",
	TimeDiffExhausted:         "time_diff_exhausted",
	NoData:                    "no_data",
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return fmt.Sprintf("sensor(%d)", uint8(id))
}

// Valid reports whether id can be enabled.
func (id ID) Valid() bool {
	if id >= End {
		return false
	}
	_, ok := names[id]
	return ok
}

// Parse resolves a sensor by name or decimal id.
func Parse(s string) (ID, error) {
	for id, n := range names {
		if n == s && id.Valid() {
			return id, nil
		}
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil && v >= 0 && v < int(End) && ID(v).Valid() {
		return ID(v), nil
	}
	return 0, fmt.Errorf("sensor: unknown id %q", s)
}

// Bit is the mask bit for id.
func (id ID) Bit() uint32 { return 1 << uint(id) }

// Group is the index of the 8-bit register group holding id.
func (id ID) Group() int { return int(id) / 8 }

// Continuous reports whether id is free-running and can be polled.
func (id ID) Continuous() bool {
	switch id {
	case Acceleration, Magnetic, Gyro, Pressure, Orientation, RotationVector,
		LinearAcceleration, Gravity, MagneticUncalibrated, GyroscopeUncalibrated,
		GameRotationVector, GeomagneticRotationVector:
		return true
	}
	return false
}

// Batchable reports whether the hub can queue samples for id.
func (id ID) Batchable() bool {
	return id.Continuous() || id == StepDetector || id == StepCounter
}

// HasRate reports whether id has a hardware update-rate register.
func (id ID) HasRate() bool {
	switch id {
	case Acceleration, Magnetic, Gyro, Orientation, RotationVector, LinearAcceleration,
		Gravity, MagneticUncalibrated, GyroscopeUncalibrated, GameRotationVector,
		GeomagneticRotationVector, SignificantMotion, Pressure:
		return true
	}
	return false
}

// All returns every enable-able id in ascending order.
func All() []ID {
	out := make([]ID, 0, len(names))
	for id := ID(0); id < End; id++ {
		if id.Valid() {
			out = append(out, id)
		}
	}
	return out
}

// Mask is a set of sensors, one bit per ID.
type Mask uint32

func (m Mask) Has(id ID) bool { return uint32(m)&id.Bit() != 0 }

func (m Mask) With(id ID, on bool) Mask {
	if on {
		return m | Mask(id.Bit())
	}
	return m &^ Mask(id.Bit())
}

// Group returns the byte of m mirrored to register group g.
func (m Mask) Group(g int) byte { return byte(uint32(m) >> (uint(g) * 8)) }
