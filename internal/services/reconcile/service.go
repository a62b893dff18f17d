// Package reconcile periodically rewrites the in-memory settings snapshot to
// the store. Settings persistence is fire-and-forget on the hot path, so a
// failed write leaves the database behind the running state; this job repairs
// that drift on a schedule.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/forward"
	"relaybot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec, 5-field or 6-field with seconds
}

// Source is the slice of the forwarding service the reconciler needs.
type Source interface {
	SettingsSnapshot() map[int64]map[string]forward.Settings
	PersistSettings(ctx context.Context, userID int64, label string, st forward.Settings) error
}

type Service struct {
	cfg Config
	src Source
	c   *cron.Cron
	log logx.Logger
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	spec := s.cfg.Schedule
	if spec == "" {
		spec = "@every 10m"
	}
	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser))
	if _, err := s.c.AddFunc(spec, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	s.c.Start()
	s.log.Info("reconciler started", logx.String("schedule", spec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) runOnce(ctx context.Context) {
	start := time.Now()
	var wrote, failed int
	for userID, byLabel := range s.src.SettingsSnapshot() {
		for label, st := range byLabel {
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.src.PersistSettings(wctx, userID, label, st)
			cancel()
			if err != nil {
				failed++
				s.log.Warn("settings reconcile failed",
					logx.Int64("user", userID), logx.String("label", label), logx.Err(err))
				continue
			}
			wrote++
		}
		if ctx.Err() != nil {
			return
		}
	}
	s.log.Debug("reconcile pass done",
		logx.Int("wrote", wrote), logx.Int("failed", failed), logx.Duration("took", time.Since(start)))
}
