//go:build !linux

package i2c

import (
	"errors"
	"fmt"
)

type Bus struct{}

type Dev struct{}

var ErrTimeout = errors.New("i2c: timeout")

func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func Open(path string) (*Bus, error) { return nil, fmt.Errorf("i2c: unsupported OS (need linux)") }

func (b *Bus) Close() error   { return nil }
func (b *Bus) String() string { return "i2c(unsupported)" }

func (b *Bus) Tx(addr uint16, w, r []byte) error { return fmt.Errorf("i2c: unsupported OS") }

func (b *Bus) Dev(addr uint16) *Dev { return nil }

func (d *Dev) Tx(w, r []byte) error { return fmt.Errorf("i2c: unsupported OS") }
