package hub

import (
	"sync/atomic"

	"sensorhub/internal/gpio"
)

// Edges is the bounded queue between the GPIO edge callbacks and the
// interrupt goroutine. Push never blocks; a full queue drops and counts.
type Edges struct {
	ch    chan gpio.Edge
	drops atomic.Uint64
}

func NewEdges(size int) *Edges {
	if size <= 0 {
		size = 64
	}
	return &Edges{ch: make(chan gpio.Edge, size)}
}

// Push is the gpio edge callback.
func (q *Edges) Push(e gpio.Edge) {
	select {
	case q.ch <- e:
	default:
		q.drops.Add(1)
	}
}

func (q *Edges) C() <-chan gpio.Edge { return q.ch }

func (q *Edges) Drops() uint64 { return q.drops.Load() }
