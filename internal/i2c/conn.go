package i2c

import (
	"fmt"
	"io"
	"strings"

	"tinygo.org/x/drivers"
)

// Conn is one device on a bus: a write of w followed by a read into r in a
// single transfer. Either slice may be empty.
type Conn interface {
	Tx(w, r []byte) error
}

// Device binds a Tx-capable bus to a device address. Any drivers.I2C works:
// *Bus, periph's i2c.Bus, or a TinyGo machine.I2C.
func Device(bus drivers.I2C, addr uint16) Conn {
	return &busDev{bus: bus, addr: addr}
}

type busDev struct {
	bus  drivers.I2C
	addr uint16
}

func (d *busDev) Tx(w, r []byte) error {
	if d.bus == nil {
		return fmt.Errorf("i2c: bus is nil")
	}
	return d.bus.Tx(d.addr, w, r)
}

func (d *busDev) String() string { return fmt.Sprintf("%v@0x%02X", d.bus, d.addr) }

// Config selects a backend.
type Config struct {
	// Driver is "rdwr" (default, /dev/i2c-N ioctl) or "periph".
	Driver string
	// Bus is a device path for rdwr or a periph bus name ("1", "I2C1").
	Bus  string
	Addr uint16
}

// OpenConn opens the configured backend. The returned closer releases the bus.
func OpenConn(cfg Config) (Conn, io.Closer, error) {
	if cfg.Addr == 0 || cfg.Addr > 0x7F {
		return nil, nil, fmt.Errorf("i2c: invalid addr 0x%X", cfg.Addr)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "rdwr":
		path := cfg.Bus
		if path == "" {
			path = "/dev/i2c-1"
		}
		bus, err := Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("i2c: open %s: %w", path, err)
		}
		return bus.Dev(cfg.Addr), bus, nil
	case "periph":
		return openPeriph(cfg.Bus, cfg.Addr)
	default:
		return nil, nil, fmt.Errorf("i2c: unknown driver %q", cfg.Driver)
	}
}
