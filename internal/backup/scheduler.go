// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/config"
	"github.com/robfig/cron/v3"
)

// JobResult armazena o resultado do último backup de um VM.
type JobResult struct {
	Status          string    `json:"status"` // "completed", "failed", "skipped"
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// Job representa o backup agendado de um VM, com guard de execução.
type Job struct {
	Entry config.VMEntry

	mu         sync.Mutex
	running    bool
	LastResult *JobResult
}

// RunFunc executa o backup de um VM. Cada disparo cria e encerra a sua
// própria sessão na API.
type RunFunc func(ctx context.Context, cfg *config.Config, vm config.VMEntry, logger *slog.Logger) error

// Scheduler gerencia N cron jobs independentes, um por VM configurado.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []*Job
	cfg    *config.Config
}

// NewScheduler cria um Scheduler com um cron job por VM com schedule.
// VMs sem schedule são ignorados (backup apenas manual).
func NewScheduler(cfg *config.Config, logger *slog.Logger, runFn RunFunc) (*Scheduler, error) {
	s := &Scheduler{logger: logger, cfg: cfg}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	for _, entry := range cfg.VMs {
		if entry.Schedule == "" {
			logger.Info("VM has no schedule, skipping in daemon mode", "vm", entry.UUID)
			continue
		}
		job := &Job{Entry: entry}
		s.jobs = append(s.jobs, job)

		jobRef := job
		entryRef := entry
		if _, err := c.AddFunc(entry.Schedule, func() {
			s.executeJob(jobRef, entryRef, runFn)
		}); err != nil {
			return nil, fmt.Errorf("adding cron job for VM %q: %w", entry.UUID, err)
		}

		logger.Info("registered backup job", "vm", entry.UUID, "schedule", entry.Schedule)
	}

	if len(s.jobs) == 0 {
		return nil, fmt.Errorf("no VM has a schedule configured")
	}

	s.cron = c
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Jobs devolve os jobs registrados (para o stats reporter do daemon).
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}

func (s *Scheduler) executeJob(job *Job, entry config.VMEntry, runFn RunFunc) {
	jobLogger := s.logger.With("vm", entry.UUID)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		// Backups concorrentes do mesmo VM não são suportados: o
		// diretório (vm, timestamp) tem dono único.
		jobLogger.Warn("backup already running, skipping scheduled execution")
		job.LastResult = &JobResult{Status: "skipped", Timestamp: time.Now()}
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	jobLogger.Info("scheduled backup triggered")
	start := time.Now()

	err := runFn(context.Background(), s.cfg, entry, jobLogger)
	duration := time.Since(start)

	if err != nil {
		jobLogger.Error("backup failed", "error", err, "duration", duration)
		job.LastResult = &JobResult{
			Status:          "failed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
	} else {
		jobLogger.Info("backup completed", "duration", duration)
		job.LastResult = &JobResult{
			Status:          "completed",
			DurationSeconds: duration.Seconds(),
			Timestamp:       time.Now(),
		}
	}
}
