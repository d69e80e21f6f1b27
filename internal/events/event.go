// Package events turns the hub's wire records into sensor events.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/sensor"
)

// Event is one normalized sensor report.
type Event struct {
	ID     sensor.ID
	Values [3]int16
	// Bias carries the uncalibrated bias, or the accuracy in Bias[0] for
	// magnetic and orientation. Zero otherwise.
	Bias [3]int16
	// Timestamp is in MCU time: the record's relative stamp plus the last
	// time base. Events raised by the host carry 0.
	Timestamp int64
	// At is when the host produced the event.
	At time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s values=%v bias=%v ts=%d", e.ID, e.Values, e.Bias, e.Timestamp)
}

// Sink receives events.
type Sink interface {
	Send(e Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// Chan is a bounded buffered sink. When the buffer is full the event is
// dropped and counted; senders never block.
type Chan struct {
	ch      chan Event
	dropped atomic.Uint64
	sent    atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewChan(size int) *Chan {
	if size <= 0 {
		size = 256
	}
	return &Chan{ch: make(chan Event, size)}
}

func (c *Chan) Send(e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("events: sink closed")
	}
	select {
	case c.ch <- e:
		c.sent.Add(1)
		return nil
	default:
		c.dropped.Add(1)
		return fmt.Errorf("events: buffer full, dropped %s", e.ID)
	}
}

// C is the receive side.
func (c *Chan) C() <-chan Event { return c.ch }

func (c *Chan) Dropped() uint64 { return c.dropped.Load() }
func (c *Chan) Sent() uint64    { return c.sent.Load() }

// Close closes the receive side. Later sends fail.
func (c *Chan) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
