package regbus

import (
	"context"
	"log"
	"time"
)

// ResetHub pulses the reset line. A forced reset, or one at least
// ResetPeriod after the previous attempt, runs immediately and clears the
// ledger; otherwise reset is held low and the bus is blocked until the
// window expires. It reports whether the reset ran.
func (b *Bus) ResetHub(ctx context.Context, force bool) bool {
	b.ledger.Lock()
	defer b.ledger.Unlock()
	return b.ResetHubLocked(ctx, force)
}

// ResetHubLocked is ResetHub for callers already holding the ledger lock.
func (b *Bus) ResetHubLocked(ctx context.Context, force bool) bool {
	b.blockMu.Lock()
	due := force || now().Sub(b.resetAt) > b.cfg.ResetPeriod
	b.blockMu.Unlock()

	if due {
		b.driveReset(0)
		sleep(b.cfg.ResetPulse)
		b.releaseReset()

		b.ledger.ResetLocked()
		b.hookMu.RLock()
		onReset := b.hooks.Reset
		b.hookMu.RUnlock()
		if onReset != nil {
			onReset()
		}
		b.ledger.StampLocked()

		b.blockMu.Lock()
		settle := b.settleLocked()
		b.blockMu.Unlock()
		sleep(settle)

		b.blockMu.Lock()
		b.blocked = false
		b.blockMu.Unlock()
		b.resets.Add(1)
		log.Printf("regbus: hub reset force=%v", force)
	} else {
		b.driveReset(0)
		b.blockMu.Lock()
		b.blocked = true
		b.blockMu.Unlock()
		log.Printf("regbus: hub held in reset, bus blocked for %s", b.cfg.ResetPeriod)
	}

	b.blockMu.Lock()
	defer b.blockMu.Unlock()
	b.resetAt = now()
	return !b.blocked
}

// SetChipMode selects bootloader (true) or application boot on the next reset.
func (b *Bus) SetChipMode(bootloader bool) error {
	b.blockMu.Lock()
	b.chipBootloader = bootloader
	b.blockMu.Unlock()
	if b.lines.ChipMode == nil {
		return nil
	}
	v := 0
	if bootloader {
		v = 1
	}
	return b.lines.ChipMode.SetValue(v)
}

func (b *Bus) ChipBootloader() bool {
	b.blockMu.Lock()
	defer b.blockMu.Unlock()
	return b.chipBootloader
}

// ResetAsserted reports whether the reset line currently reads low.
func (b *Bus) ResetAsserted() bool {
	if b.lines.Reset == nil {
		return false
	}
	v, err := b.lines.Reset.Value()
	return err == nil && v == 0
}

func (b *Bus) settleLocked() time.Duration {
	if b.chipBootloader {
		return b.cfg.BootloaderSettle
	}
	return b.cfg.ResetSettle
}

func (b *Bus) driveReset(v int) {
	if b.lines.Reset == nil {
		return
	}
	if err := b.lines.Reset.Drive(v); err != nil {
		log.Printf("regbus: drive reset: %v", err)
	}
}

func (b *Bus) releaseReset() {
	if b.lines.Reset == nil {
		return
	}
	if err := b.lines.Reset.Release(); err != nil {
		log.Printf("regbus: release reset: %v", err)
	}
}
