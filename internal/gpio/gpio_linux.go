//go:build linux

package gpio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

// Open requests the configured lines from the GPIO character device. onEdge
// runs on gpiocdev's event goroutine and must not block.
func Open(cfg Config, onEdge func(Edge)) (*Set, error) {
	if strings.TrimSpace(cfg.Chip) == "" {
		return nil, fmt.Errorf("gpio: chip is required")
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "sensorhub"
	}

	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("gpio: open chip %s: %w", cfg.Chip, err)
	}

	var reqs []*gpiocdev.Line
	fail := func(err error) (*Set, error) {
		for _, l := range reqs {
			_ = l.Close()
		}
		_ = chip.Close()
		return nil, err
	}
	request := func(role, name string, opts ...gpiocdev.LineReqOption) (*gpiocdev.Line, error) {
		off, err := findLine(chip, name)
		if err != nil {
			return nil, fmt.Errorf("gpio: %s line %q: %w", role, name, err)
		}
		opts = append(opts, gpiocdev.WithConsumer(consumer))
		l, err := chip.RequestLine(off, opts...)
		if err != nil {
			return nil, fmt.Errorf("gpio: request %s line %q: %w", role, name, err)
		}
		reqs = append(reqs, l)
		return l, nil
	}

	edge := func(src Source) gpiocdev.LineReqOption {
		return gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if onEdge == nil {
				return
			}
			onEdge(Edge{Source: src, Rising: evt.Type == gpiocdev.LineEventRisingEdge, At: evt.Timestamp})
		})
	}

	// Wake idles high: low-power allowed until the first transaction.
	wake, err := request("wake", cfg.Wake, gpiocdev.AsOutput(1))
	if err != nil {
		return fail(err)
	}
	reset, err := request("reset", cfg.Reset, gpiocdev.AsInput)
	if err != nil {
		return fail(err)
	}
	chipMode, err := request("chip_mode", cfg.ChipMode, gpiocdev.AsOutput(0))
	if err != nil {
		return fail(err)
	}
	status, err := request("status", cfg.Status, gpiocdev.AsInput, gpiocdev.WithBothEdges, edge(SourceStatus))
	if err != nil {
		return fail(err)
	}
	if _, err := request("irq", cfg.IRQ, gpiocdev.AsInput, gpiocdev.WithRisingEdge, edge(SourceIRQ)); err != nil {
		return fail(err)
	}

	s := &Set{
		Lines: Lines{
			Wake:     wake,
			Reset:    &cdevReset{line: reset},
			ChipMode: chipMode,
			Status:   status,
		},
	}
	s.closeFn = func() error {
		var err error
		for _, l := range reqs {
			err = multierr.Append(err, l.Close())
		}
		return multierr.Append(err, chip.Close())
	}
	return s, nil
}

func findLine(chip *gpiocdev.Chip, name string) (int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("not configured")
	}
	if off, err := strconv.Atoi(name); err == nil {
		return off, nil
	}
	return chip.FindLine(name)
}

type cdevReset struct {
	line *gpiocdev.Line
}

func (r *cdevReset) Drive(v int) error {
	return r.line.Reconfigure(gpiocdev.AsOutput(v))
}

func (r *cdevReset) Release() error {
	return r.line.Reconfigure(gpiocdev.AsInput)
}

func (r *cdevReset) Value() (int, error) {
	return r.line.Value()
}
