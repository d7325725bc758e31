package testlifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/certware/walletcore/internal/app/system"
	"github.com/certware/walletcore/pkg/logger"
)

var _ system.Service = (*Sweeper)(nil)

// Sweeper periodically re-polls pending tests so results and the aging
// horizon are applied without user interaction.
type Sweeper struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a lifecycle-managed sweeper. An empty schedule defaults
// to an hourly sweep.
func NewSweeper(service *Service, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("test-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1h"
	}
	return &Sweeper{service: service, schedule: schedule, log: log}
}

func (s *Sweeper) Name() string { return "test-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		s.service.UpdateAll(context.Background(), false)
	})
	if err != nil {
		return fmt.Errorf("schedule test sweep: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("test sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
