// Package gpio drives the hub's wake, reset and chip-mode lines and watches its
// status and interrupt lines.
package gpio

import "time"

// Output is a line the host drives.
type Output interface {
	SetValue(v int) error
}

// Input is a line the host samples.
type Input interface {
	Value() (int, error)
}

// ResetLine is driven low to hold the MCU in reset and released (switched to
// input) to let it run.
type ResetLine interface {
	Input
	Drive(v int) error
	Release() error
}

// Lines groups the control lines the register bus and lifecycle need.
type Lines struct {
	Wake     Output
	Reset    ResetLine
	ChipMode Output
	Status   Input
}

// Source names the input line an Edge came from.
type Source int

const (
	SourceIRQ Source = iota
	SourceStatus
)

func (s Source) String() string {
	if s == SourceStatus {
		return "status"
	}
	return "irq"
}

// Edge is a level change seen on an input line.
type Edge struct {
	Source Source
	Rising bool
	// At is the kernel timestamp, when known.
	At time.Duration
}

// Config names the chip and lines. A line is a name (as in gpioinfo) or a
// decimal offset.
type Config struct {
	Chip     string
	Wake     string
	Reset    string
	ChipMode string
	Status   string
	IRQ      string
	Consumer string
}

// Set is an opened group of lines.
type Set struct {
	Lines
	closeFn func() error
}

func (s *Set) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	err := s.closeFn()
	s.closeFn = nil
	return err
}
