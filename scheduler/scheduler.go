// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs periodic maintenance tasks on shared goroutines.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Task is a periodic unit of work. After each Run the scheduler asks
// NextInterval for the delay before the next invocation; a cancelled task is
// dropped at its next due time.
type Task interface {
	Run()
	NextInterval() time.Duration
	IsCancelled() bool
}

// TimeScheduler drives registered tasks, one goroutine per task, each
// recovering from panics so a faulty iteration never kills the schedule.
type TimeScheduler struct {
	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates a scheduler. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *TimeScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeScheduler{
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Schedule registers the task and starts driving it. Returns false after Stop.
func (s *TimeScheduler) Schedule(task Task) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drive(task)
	return true
}

func (s *TimeScheduler) drive(task Task) {
	defer s.wg.Done()
	timer := time.NewTimer(task.NextInterval())
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}
		if task.IsCancelled() {
			return
		}
		s.runOnce(task)
		timer.Reset(task.NextInterval())
	}
}

func (s *TimeScheduler) runOnce(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", slog.Any("panic", r))
		}
	}()
	task.Run()
}

// Stop cancels all task goroutines and waits for them to exit.
func (s *TimeScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}
