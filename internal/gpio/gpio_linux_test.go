//go:build linux

package gpio

import (
	"testing"
	"time"

	"github.com/warthog618/go-gpiosim"
)

// Offsets on the simulated chip.
const (
	simWake = iota
	simReset
	simChipMode
	simStatus
	simIRQ
	simLines
)

func openSim(t *testing.T, onEdge func(Edge)) (*gpiosim.Simpleton, *Set) {
	t.Helper()
	sim, err := gpiosim.NewSimpleton(simLines)
	if err != nil {
		t.Skipf("gpio-sim unavailable: %v", err)
	}
	t.Cleanup(func() { sim.Close() })

	set, err := Open(Config{
		Chip:     sim.DevPath(),
		Wake:     "0",
		Reset:    "1",
		ChipMode: "2",
		Status:   "3",
		IRQ:      "4",
	}, onEdge)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return sim, set
}

func TestOpen_DrivesOutputs(t *testing.T) {
	sim, set := openSim(t, nil)

	if v, err := sim.Level(simWake); err != nil || v != 1 {
		t.Fatalf("wake level=%d err=%v want 1", v, err)
	}
	if err := set.Wake.SetValue(0); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if v, _ := sim.Level(simWake); v != 0 {
		t.Fatalf("wake level=%d want 0", v)
	}

	if err := set.Reset.Drive(0); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if v, _ := sim.Level(simReset); v != 0 {
		t.Fatalf("reset level=%d want 0", v)
	}
	if err := set.Reset.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestOpen_StatusEdges(t *testing.T) {
	edges := make(chan Edge, 4)
	sim, set := openSim(t, func(e Edge) { edges <- e })

	if err := sim.SetPull(simStatus, 1); err != nil {
		t.Fatalf("SetPull: %v", err)
	}
	select {
	case e := <-edges:
		if e.Source != SourceStatus || !e.Rising {
			t.Fatalf("edge=%+v want rising status", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no status edge")
	}
	if v, err := set.Status.Value(); err != nil || v != 1 {
		t.Fatalf("status=%d err=%v want 1", v, err)
	}

	if err := sim.SetPull(simIRQ, 1); err != nil {
		t.Fatalf("SetPull: %v", err)
	}
	select {
	case e := <-edges:
		if e.Source != SourceIRQ {
			t.Fatalf("edge=%+v want irq", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no irq edge")
	}
}

func TestOpen_RequiresChip(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
