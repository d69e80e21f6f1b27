package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sensorhub/internal/calib"
	"sensorhub/internal/gpio"
	"sensorhub/internal/hub"
	"sensorhub/internal/i2c"
	"sensorhub/internal/lifecycle"
	"sensorhub/internal/regbus"
	"sensorhub/internal/schedule"
	"sensorhub/internal/sensor"
)

type Config struct {
	I2C         I2CConfig         `yaml:"i2c"`
	GPIO        GPIOConfig        `yaml:"gpio"`
	Hub         HubConfig         `yaml:"hub"`
	Placement   PlacementConfig   `yaml:"placement"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Sensors     []SensorConfig    `yaml:"sensors"`
	Web         WebConfig         `yaml:"web"`
	Forward     ForwardConfig     `yaml:"forward"`
}

type WebConfig struct {
	Enable     bool   `yaml:"enable"`
	ListenAddr string `yaml:"listen_addr"`
	LogLines   int    `yaml:"log_lines"`
}

// ForwardConfig sends every event as a UDP datagram to Dest.
type ForwardConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type I2CConfig struct {
	// Driver is rdwr, periph or none. none runs against in-memory lines
	// with every bus access skipped.
	Driver string `yaml:"driver"`
	Bus    string `yaml:"bus"`
	Addr   int    `yaml:"addr"`
}

type GPIOConfig struct {
	Chip     string `yaml:"chip"`
	Wake     string `yaml:"wake"`
	Reset    string `yaml:"reset"`
	ChipMode string `yaml:"chip_mode"`
	Status   string `yaml:"status"`
	IRQ      string `yaml:"irq"`
}

type HubConfig struct {
	DebugDisable bool   `yaml:"debug_disable"`
	DiagCapture  bool   `yaml:"diag_capture"`
	LogMask      uint32 `yaml:"log_mask"`
	LogLevel     uint32 `yaml:"log_level"`
	Display      *bool  `yaml:"display"`

	RetryCeiling     int           `yaml:"retry_ceiling"`
	ResetPeriod      time.Duration `yaml:"reset_period"`
	ReactivatePeriod time.Duration `yaml:"reactivate_period"`
	DefaultPeriod    time.Duration `yaml:"default_period"`
	PollMaxDelay     time.Duration `yaml:"poll_max_delay"`
	RunningTimeout   time.Duration `yaml:"running_timeout"`
	RamdumpTimeout   time.Duration `yaml:"ramdump_timeout"`
}

// PlacementConfig holds the mounting orientation code (0..7) per sensor.
type PlacementConfig struct {
	Accel   int `yaml:"accel"`
	Compass int `yaml:"compass"`
	Gyro    int `yaml:"gyro"`
}

// CalibrationConfig lists factory coefficient bytes per family. A missing
// family stays uncalibrated.
type CalibrationConfig struct {
	Accel     []int `yaml:"accel"`
	Gyro      []int `yaml:"gyro"`
	Light     []int `yaml:"light"`
	Proximity []int `yaml:"proximity"`
	Pressure  []int `yaml:"pressure"`

	LightGolden        int   `yaml:"light_golden"`
	LightLevels        []int `yaml:"light_levels"`
	ProximityThreshold int   `yaml:"proximity_threshold"`
}

// SensorConfig is a sensor enabled once the hub reaches Running.
type SensorConfig struct {
	Name         string        `yaml:"name"`
	Period       time.Duration `yaml:"period"`
	BatchPeriod  time.Duration `yaml:"batch_period"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ID resolves Name. Load has already rejected unknown names.
func (s SensorConfig) ID() sensor.ID {
	id, _ := sensor.Parse(s.Name)
	return id
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.I2C.Driver = strings.ToLower(strings.TrimSpace(cfg.I2C.Driver))
	if cfg.I2C.Driver == "" {
		cfg.I2C.Driver = "rdwr"
	}
	switch cfg.I2C.Driver {
	case "rdwr", "periph", "none":
	default:
		return Config{}, fmt.Errorf("i2c.driver must be one of rdwr, periph, none")
	}
	if cfg.I2C.Bus == "" && cfg.I2C.Driver == "rdwr" {
		cfg.I2C.Bus = "/dev/i2c-1"
	}
	if cfg.I2C.Addr == 0 {
		cfg.I2C.Addr = 0x3A
	}
	if cfg.I2C.Addr < 0x03 || cfg.I2C.Addr > 0x77 {
		return Config{}, fmt.Errorf("i2c.addr must be 0x03..0x77")
	}

	if cfg.GPIO.Chip == "" {
		cfg.GPIO.Chip = "gpiochip0"
	}
	if cfg.I2C.Driver != "none" {
		for _, l := range []struct{ name, v string }{
			{"wake", cfg.GPIO.Wake},
			{"reset", cfg.GPIO.Reset},
			{"chip_mode", cfg.GPIO.ChipMode},
			{"status", cfg.GPIO.Status},
			{"irq", cfg.GPIO.IRQ},
		} {
			if strings.TrimSpace(l.v) == "" {
				return Config{}, fmt.Errorf("gpio.%s is required", l.name)
			}
		}
	}

	if cfg.Hub.Display == nil {
		on := true
		cfg.Hub.Display = &on
	}
	if cfg.Hub.RetryCeiling < 0 {
		return Config{}, fmt.Errorf("hub.retry_ceiling must be >= 0")
	}
	if cfg.Hub.DefaultPeriod <= 0 {
		cfg.Hub.DefaultPeriod = sensor.DefaultPeriod
	}
	if cfg.Hub.PollMaxDelay <= 0 {
		cfg.Hub.PollMaxDelay = 2 * time.Second
	}
	if cfg.Hub.RunningTimeout <= 0 {
		cfg.Hub.RunningTimeout = 30 * time.Second
	}
	if cfg.Hub.RamdumpTimeout <= 0 {
		cfg.Hub.RamdumpTimeout = 5 * time.Second
	}

	for _, p := range []struct {
		name string
		v    int
	}{
		{"accel", cfg.Placement.Accel},
		{"compass", cfg.Placement.Compass},
		{"gyro", cfg.Placement.Gyro},
	} {
		if p.v < 0 || p.v > 7 {
			return Config{}, fmt.Errorf("placement.%s must be 0..7", p.name)
		}
	}

	if _, err := cfg.Calibration.set(); err != nil {
		return Config{}, err
	}

	for i, s := range cfg.Sensors {
		if _, err := sensor.Parse(s.Name); err != nil {
			return Config{}, fmt.Errorf("sensors[%d].name %q is not a sensor", i, s.Name)
		}
		if s.Period < 0 || s.BatchPeriod < 0 || s.BatchTimeout < 0 {
			return Config{}, fmt.Errorf("sensors[%d] durations must be >= 0", i)
		}
		if s.BatchTimeout > 0 && !s.ID().Batchable() {
			return Config{}, fmt.Errorf("sensors[%d].name %q cannot be batched", i, s.Name)
		}
	}

	if cfg.Web.Enable {
		if strings.TrimSpace(cfg.Web.ListenAddr) == "" {
			cfg.Web.ListenAddr = ":8080"
		}
		if cfg.Web.LogLines <= 0 {
			cfg.Web.LogLines = 2000
		}
	}
	if cfg.Forward.Enable && strings.TrimSpace(cfg.Forward.Dest) == "" {
		return Config{}, fmt.Errorf("forward.dest is required when forward.enable is true")
	}

	return cfg, nil
}

func (c CalibrationConfig) set() (calib.Set, error) {
	s := calib.Set{Records: make(map[calib.Family]calib.Record)}
	for _, f := range []struct {
		fam  calib.Family
		data []int
	}{
		{calib.Accel, c.Accel},
		{calib.Gyro, c.Gyro},
		{calib.Light, c.Light},
		{calib.Proximity, c.Proximity},
		{calib.Pressure, c.Pressure},
	} {
		if len(f.data) == 0 {
			continue
		}
		b, err := bytesOf(f.data)
		if err != nil {
			return calib.Set{}, fmt.Errorf("calibration.%s: %w", f.fam, err)
		}
		rec, err := calib.NewCalibrated(f.fam, b)
		if err != nil {
			return calib.Set{}, fmt.Errorf("calibration.%s must have %d bytes", f.fam, f.fam.Len())
		}
		s.Records[f.fam] = rec
	}

	if c.LightGolden < 0 || c.LightGolden > 0xFFFF {
		return calib.Set{}, fmt.Errorf("calibration.light_golden must be 0..65535")
	}
	s.LightGolden = uint16(c.LightGolden)
	if len(c.LightLevels) > calib.LightLevels {
		return calib.Set{}, fmt.Errorf("calibration.light_levels takes at most %d entries", calib.LightLevels)
	}
	for i, v := range c.LightLevels {
		if v < 0 || v > 0xFFFF {
			return calib.Set{}, fmt.Errorf("calibration.light_levels[%d] must be 0..65535", i)
		}
		s.LightLevels[i] = uint16(v)
	}
	if c.ProximityThreshold < 0 || c.ProximityThreshold > 0xFFFF {
		return calib.Set{}, fmt.Errorf("calibration.proximity_threshold must be 0..65535")
	}
	s.ProximityThreshold = uint16(c.ProximityThreshold)
	return s, nil
}

func bytesOf(v []int) ([]byte, error) {
	out := make([]byte, len(v))
	for i, x := range v {
		if x < 0 || x > 0xFF {
			return nil, fmt.Errorf("byte %d out of range: %d", i, x)
		}
		out[i] = byte(x)
	}
	return out, nil
}

// I2CConn is the transport config for i2c.OpenConn.
func (c Config) I2CConn() i2c.Config {
	return i2c.Config{Driver: c.I2C.Driver, Bus: c.I2C.Bus, Addr: uint16(c.I2C.Addr)}
}

func (c Config) GPIOLines() gpio.Config {
	return gpio.Config{
		Chip:     c.GPIO.Chip,
		Wake:     c.GPIO.Wake,
		Reset:    c.GPIO.Reset,
		ChipMode: c.GPIO.ChipMode,
		Status:   c.GPIO.Status,
		IRQ:      c.GPIO.IRQ,
		Consumer: "sensorhubd",
	}
}

// HubConfig builds the driver config. Load must have succeeded on c.
func (c Config) HubConfig() hub.Config {
	set, _ := c.Calibration.set()
	display := c.Hub.Display == nil || *c.Hub.Display
	return hub.Config{
		Bus: regbus.Config{
			DebugDisable:     c.Hub.DebugDisable || c.I2C.Driver == "none",
			RetryCeiling:     c.Hub.RetryCeiling,
			ResetPeriod:      c.Hub.ResetPeriod,
			ReactivatePeriod: c.Hub.ReactivatePeriod,
		},
		Lifecycle: lifecycle.Config{
			DiagCapture:    c.Hub.DiagCapture,
			RunningTimeout: c.Hub.RunningTimeout,
			RamdumpTimeout: c.Hub.RamdumpTimeout,
		},
		Schedule: schedule.Config{
			DefaultPeriod: c.Hub.DefaultPeriod,
			MaxDelay:      c.Hub.PollMaxDelay,
		},
		Placement: calib.Placement{
			Accel:   byte(c.Placement.Accel),
			Compass: byte(c.Placement.Compass),
			Gyro:    byte(c.Placement.Gyro),
		},
		Calibration: set,
		LogMask:     c.Hub.LogMask,
		LogLevel:    c.Hub.LogLevel,
		Display:     display,
	}
}
