package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler refreshes the discovery catalogue on a fixed cadence and hands
// each successful fetch to the registered callback.
type Scheduler struct {
	client   *Client
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	onUpdate func(entities []Entity)

	cron  *cron.Cron
	entry cron.EntryID
}

// SchedulerBuilder provides a fluent interface for building schedulers.
type SchedulerBuilder struct {
	client   *Client
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
	onUpdate func(entities []Entity)
}

// NewScheduler creates a scheduler builder with a 12 hour refresh interval
// and a 30 second per-fetch timeout.
func NewScheduler(client *Client) *SchedulerBuilder {
	return &SchedulerBuilder{
		client:   client,
		logger:   zap.NewNop(),
		interval: 12 * time.Hour,
		timeout:  30 * time.Second,
	}
}

// WithInterval sets the refresh cadence.
func (b *SchedulerBuilder) WithInterval(interval time.Duration) *SchedulerBuilder {
	if interval > 0 {
		b.interval = interval
	}
	return b
}

// WithFetchTimeout bounds each catalogue fetch.
func (b *SchedulerBuilder) WithFetchTimeout(timeout time.Duration) *SchedulerBuilder {
	if timeout > 0 {
		b.timeout = timeout
	}
	return b
}

// WithLogger sets the logger.
func (b *SchedulerBuilder) WithLogger(logger *zap.Logger) *SchedulerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithUpdateFunc registers the consumer of each refreshed catalogue.
func (b *SchedulerBuilder) WithUpdateFunc(fn func(entities []Entity)) *SchedulerBuilder {
	b.onUpdate = fn
	return b
}

// Build validates the configuration and returns a Scheduler.
func (b *SchedulerBuilder) Build() (*Scheduler, error) {
	if b.client == nil {
		return nil, fmt.Errorf("discovery client is required")
	}
	if b.onUpdate == nil {
		return nil, fmt.Errorf("update function is required")
	}

	return &Scheduler{
		client:   b.client,
		logger:   b.logger,
		interval: b.interval,
		timeout:  b.timeout,
		onUpdate: b.onUpdate,
		cron:     cron.New(),
	}, nil
}

// Start runs one refresh immediately, then schedules recurring refreshes.
func (s *Scheduler) Start() error {
	s.refresh()

	entry, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.refresh)
	if err != nil {
		return fmt.Errorf("scheduling discovery refresh: %w", err)
	}
	s.entry = entry
	s.cron.Start()

	s.logger.Info("Discovery scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Discovery scheduler stopped")
}

func (s *Scheduler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	entities, err := s.client.FetchSelf(ctx)
	if err != nil {
		s.logger.Warn("Discovery refresh failed", zap.Error(err))
		return
	}

	s.logger.Info("Discovery catalogue refreshed", zap.Int("entities", len(entities)))
	s.onUpdate(entities)
}
