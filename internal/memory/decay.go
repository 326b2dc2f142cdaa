package memory

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cerise-ai/cerise/pkg/models"
)

// DecayConfig tunes the background sweep over the episodic store.
type DecayConfig struct {
	// Schedule is a cron expression; empty disables the sweep.
	Schedule string `yaml:"schedule"`
	// ImportanceDecay is subtracted from importance each sweep, floored at 0.
	ImportanceDecay float64 `yaml:"importance_decay"`
}

// Decay runs periodic maintenance: TTL expiry and importance decay.
type Decay struct {
	engine *Engine
	cfg    DecayConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewDecay creates the sweep over an engine's store.
func NewDecay(engine *Engine, cfg DecayConfig, logger *slog.Logger) *Decay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decay{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "memory-decay"),
	}
}

// Start schedules the sweep. A nil error with no schedule configured means
// the sweep is disabled.
func (d *Decay) Start(ctx context.Context) error {
	if d.cfg.Schedule == "" {
		return nil
	}
	d.cron = cron.New()
	_, err := d.cron.AddFunc(d.cfg.Schedule, func() {
		if err := d.Sweep(ctx); err != nil {
			d.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	d.cron.Start()
	d.logger.Info("decay sweep scheduled", "schedule", d.cfg.Schedule)
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (d *Decay) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// Sweep deletes expired records and decays importance metadata once.
func (d *Decay) Sweep(ctx context.Context) error {
	now := d.engine.now().UTC()
	n, err := d.engine.store.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Info("expired records removed", "count", n)
	}
	if d.cfg.ImportanceDecay > 0 {
		if err := d.decayImportance(ctx); err != nil {
			return err
		}
	}
	return nil
}

// decayImportance lowers every record's importance by the configured step,
// floored at 0. Records without an importance value are untouched.
func (d *Decay) decayImportance(ctx context.Context) error {
	sessions, err := d.engine.store.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		recs, err := d.engine.store.Oldest(ctx, session, -1)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Metadata == nil {
				continue
			}
			if _, has := rec.Metadata[models.MetaImportance]; !has {
				continue
			}
			next := rec.Importance() - d.cfg.ImportanceDecay
			if next < 0 {
				next = 0
			}
			rec.Metadata[models.MetaImportance] = next
			if err := d.engine.store.Update(ctx, rec); err != nil {
				d.logger.Warn("importance decay write failed", "id", rec.ID, "error", err)
			}
		}
	}
	return nil
}
