package i2c

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// openPeriph opens a bus through periph's registry, which also covers
// adapters that are not exposed as /dev/i2c-N (FT232H and friends).
func openPeriph(name string, addr uint16) (Conn, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("i2c: periph host init: %w", err)
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("i2c: periph open %q: %w", name, err)
	}
	return Device(bus, addr), bus, nil
}
