// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/config"
)

func schedulerConfig(schedules ...string) *config.Config {
	cfg := &config.Config{}
	for i, schedule := range schedules {
		cfg.VMs = append(cfg.VMs, config.VMEntry{
			UUID:     testVMUUID[:len(testVMUUID)-1] + string(rune('0'+i)),
			Schedule: schedule,
		})
	}
	return cfg
}

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNewScheduler(t *testing.T) {
	runFn := func(context.Context, *config.Config, config.VMEntry, *slog.Logger) error { return nil }

	t.Run("registers one job per scheduled VM", func(t *testing.T) {
		s, err := NewScheduler(schedulerConfig("0 2 * * *", "", "30 3 * * *"), nopLogger(), runFn)
		if err != nil {
			t.Fatalf("NewScheduler: %v", err)
		}
		if len(s.Jobs()) != 2 {
			t.Errorf("expected 2 jobs (one VM has no schedule), got %d", len(s.Jobs()))
		}
	})

	t.Run("rejects invalid cron expression", func(t *testing.T) {
		if _, err := NewScheduler(schedulerConfig("not a cron"), nopLogger(), runFn); err == nil {
			t.Errorf("expected error for invalid cron expression")
		}
	})

	t.Run("rejects config without any schedule", func(t *testing.T) {
		if _, err := NewScheduler(schedulerConfig(""), nopLogger(), runFn); err == nil {
			t.Errorf("expected error when no VM has a schedule")
		}
	})
}

func TestExecuteJob_SkipsWhenRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	runFn := func(context.Context, *config.Config, config.VMEntry, *slog.Logger) error {
		mu.Lock()
		calls++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}

	s, err := NewScheduler(schedulerConfig("0 2 * * *"), nopLogger(), runFn)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	job := s.Jobs()[0]

	go s.executeJob(job, job.Entry, runFn)
	<-started

	// Segundo disparo com o job ainda rodando: pulado.
	s.executeJob(job, job.Entry, runFn)
	if job.LastResult == nil || job.LastResult.Status != "skipped" {
		t.Errorf("expected skipped result, got %+v", job.LastResult)
	}

	close(release)

	// Espera o primeiro disparo concluir.
	deadline := time.After(2 * time.Second)
	for {
		job.mu.Lock()
		running := job.running
		job.mu.Unlock()
		if !running {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not finish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly 1 execution, got %d", calls)
	}
}

func TestExecuteJob_RecordsFailure(t *testing.T) {
	runFn := func(context.Context, *config.Config, config.VMEntry, *slog.Logger) error {
		return context.DeadlineExceeded
	}

	s, err := NewScheduler(schedulerConfig("0 2 * * *"), nopLogger(), runFn)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	job := s.Jobs()[0]

	s.executeJob(job, job.Entry, runFn)

	if job.LastResult == nil || job.LastResult.Status != "failed" {
		t.Errorf("expected failed result, got %+v", job.LastResult)
	}
}
