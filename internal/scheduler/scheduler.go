// Package scheduler runs the periodic maintenance and reporting jobs.
package scheduler

import (
	"fmt"
	"time"

	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/storage"
	"github.com/robfig/cron/v3"
)

// Store is the storage used by the jobs.
type Store interface {
	SummarizeContracts(since time.Time) (*storage.ContractSummary, error)
	RotateTicks() error
}

// Notifier delivers the daily summary.
type Notifier interface {
	SendDailySummary(day time.Time, sum storage.ContractSummary) error
}

// Flusher writes buffered ticks out.
type Flusher interface {
	Flush()
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron     *cron.Cron
	Store    Store
	Notifier Notifier
	Flusher  Flusher
	now      func() time.Time
}

// NewScheduler creates a new Scheduler. notifier and flusher may be nil.
func NewScheduler(store Store, notifier Notifier, flusher Flusher) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Store:    store,
		Notifier: notifier,
		Flusher:  flusher,
		now:      time.Now,
	}
}

// RegisterAll registers the daily summary and tick pruning tasks.
func (s *Scheduler) RegisterAll(summaryCron, pruneCron string) error {
	if _, err := s.Cron.AddFunc(summaryCron, s.summaryTask); err != nil {
		return fmt.Errorf("register summary task: %w", err)
	}
	if _, err := s.Cron.AddFunc(pruneCron, s.pruneTask); err != nil {
		return fmt.Errorf("register prune task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	logger.Info("Scheduler started with %d tasks", len(s.Cron.Entries()))
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	logger.Info("Scheduler stopped")
}

// Summary returns today's contract summary and the start of the day.
func (s *Scheduler) Summary() (time.Time, *storage.ContractSummary, error) {
	now := s.now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := s.Store.SummarizeContracts(day)
	return day, sum, err
}

func (s *Scheduler) summaryTask() {
	day, sum, err := s.Summary()
	if err != nil {
		logger.Error("Daily summary failed: %v", err)
		return
	}
	logger.Info("Daily summary %s: %d contracts, %d won, %d lost, profit %s",
		day.Format("2006-01-02"), sum.Count, sum.Wins, sum.Losses, sum.Profit.StringFixed(2))
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendDailySummary(day, *sum); err != nil {
		logger.Error("Failed to send daily summary: %v", err)
	}
}

func (s *Scheduler) pruneTask() {
	if s.Flusher != nil {
		s.Flusher.Flush()
	}
	if err := s.Store.RotateTicks(); err != nil {
		logger.Error("Tick rotation failed: %v", err)
		return
	}
	logger.Debug("Tick rotation completed")
}
