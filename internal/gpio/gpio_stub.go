//go:build !linux

package gpio

import "fmt"

// Stub implementation for non-Linux platforms.
func Open(cfg Config, onEdge func(Edge)) (*Set, error) {
	return nil, fmt.Errorf("gpio: character device unsupported on this platform")
}
