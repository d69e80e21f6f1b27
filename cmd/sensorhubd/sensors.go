package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/multierr"

	"sensorhub/internal/config"
	"sensorhub/internal/sensor"
)

type sensorAdmin interface {
	WaitRunning(ctx context.Context) error
	Enable(ctx context.Context, id sensor.ID, on bool) error
	SetInterval(ctx context.Context, id sensor.ID, d time.Duration) error
	SetBatch(ctx context.Context, id sensor.ID, flags int, period, timeout time.Duration) error
}

// applySensors waits for the hub to reach Running, then enables the
// configured sensors. Every sensor is tried; failures are combined.
func applySensors(ctx context.Context, a sensorAdmin, list []config.SensorConfig) error {
	if len(list) == 0 {
		return nil
	}
	if err := a.WaitRunning(ctx); err != nil {
		return err
	}
	var err error
	for _, s := range list {
		id := s.ID()
		if s.Period > 0 {
			err = multierr.Append(err, a.SetInterval(ctx, id, s.Period))
		}
		if s.BatchTimeout > 0 {
			period := s.BatchPeriod
			if period <= 0 {
				period = s.Period
			}
			if period <= 0 {
				period = sensor.DefaultPeriod
			}
			err = multierr.Append(err, a.SetBatch(ctx, id, 0, period, s.BatchTimeout))
		}
		if eerr := a.Enable(ctx, id, true); eerr != nil {
			err = multierr.Append(err, eerr)
			continue
		}
		log.Printf("sensorhubd: %s enabled period=%s batch_timeout=%s", id, s.Period, s.BatchTimeout)
	}
	return err
}
