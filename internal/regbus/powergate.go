package regbus

import (
	"sync"
	"time"

	"sensorhub/internal/gpio"
)

// PowerGate keeps the MCU out of low-power mode while at least one caller
// holds it. Wake is active low.
type PowerGate struct {
	mu    sync.Mutex
	count int

	lineMu sync.Mutex
	wake   gpio.Output
	level  int

	pulse  time.Duration
	settle time.Duration
}

func newPowerGate(wake gpio.Output, pulse, settle time.Duration) *PowerGate {
	return &PowerGate{wake: wake, level: 1, pulse: pulse, settle: settle}
}

// On takes a reference. The first holder pulses wake and waits for the MCU
// to come up before returning.
func (g *PowerGate) On() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count == 0 {
		g.fallingEdge()
		sleep(g.pulse)
		g.set(1)
		sleep(g.pulse)
		g.set(0)
		sleep(g.settle)
	}
	g.count++
}

// Off drops a reference; the last one lets the MCU sleep again.
func (g *PowerGate) Off() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count--
	if g.count <= 0 {
		g.count = 0
		g.set(1)
	}
}

// Release forces the gate closed regardless of holders.
func (g *PowerGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count = 0
	g.set(1)
}

func (g *PowerGate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// fallingEdge leaves wake low, raising it first if needed.
func (g *PowerGate) fallingEdge() {
	g.lineMu.Lock()
	defer g.lineMu.Unlock()
	if g.level == 0 {
		g.setLocked(1)
	}
	g.setLocked(0)
}

func (g *PowerGate) set(v int) {
	g.lineMu.Lock()
	defer g.lineMu.Unlock()
	g.setLocked(v)
}

func (g *PowerGate) setLocked(v int) {
	g.level = v
	if g.wake != nil {
		_ = g.wake.SetValue(v)
	}
}
