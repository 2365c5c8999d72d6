package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/model"
)

// Process delivers every due mailing of the campaign and returns how many
// were processed. Due mailings are snapshotted up front, so mailings created
// while processing wait for the next call. An error no rescue handler
// accepted stops the run and is returned with the count so far.
func (d *Dripper) Process(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveSweepDuration(d.slug, time.Since(start).Seconds())
	}()

	due, err := d.dueMailings(ctx)
	if err != nil {
		return 0, err
	}

	h := d.snapshot()
	if err := runPerform(ctx, h.beforePerform, d, due); err != nil {
		return 0, err
	}

	processed := 0
	for i := 0; i < len(due); i += d.batchSize {
		batch := due[i:min(i+d.batchSize, len(due))]

		if err := runPerform(ctx, h.onPerform, d, batch); err != nil {
			return processed, err
		}

		for _, m := range batch {
			if err := ctx.Err(); err != nil {
				return processed, err
			}

			ok, err := d.deliver(ctx, m, d.deliverLater)
			if ok {
				processed++
			}
			if err != nil {
				return processed, fmt.Errorf("campaign %s: %w", d.slug, err)
			}
		}
	}

	if err := runPerform(ctx, h.afterPerform, d, due); err != nil {
		return processed, err
	}

	if processed > 0 {
		d.logger.Info("processed due mailings", "due", len(due), "processed", processed)
	}
	return processed, nil
}

// dueMailings pages through the store until every mailing due now is loaded
func (d *Dripper) dueMailings(ctx context.Context) ([]*model.Mailing, error) {
	now := d.now()

	var (
		due   []*model.Mailing
		after *model.Mailing
	)
	for {
		page, err := d.store.DueMailings(ctx, d.slug, now, d.batchSize, after)
		if err != nil {
			return nil, fmt.Errorf("load due mailings: %w", err)
		}
		due = append(due, page...)
		if len(page) < d.batchSize {
			return due, nil
		}
		after = page[len(page)-1]
	}
}
