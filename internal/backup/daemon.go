// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/config"
)

// statsInterval é o intervalo do log periódico de métricas do daemon.
const statsInterval = 5 * time.Minute

// RunDaemon roda os backups agendados até receber SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração sem downtime.
func RunDaemon(configPath string, cfg *config.Config, logger *slog.Logger, runFn RunFunc) error {
	logger.Info("starting daemon", "vms", len(cfg.VMs), "backup_root", cfg.Backup.Root)

	sched, err := NewScheduler(cfg, logger, runFn)
	if err != nil {
		return err
	}
	sched.Start()

	monitor := NewSystemMonitor(cfg.Backup.Root, logger)
	monitor.Start()

	reporter := newStatsReporter(sched, monitor, logger)
	reporter.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.Load(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			reporter.Stop()
			sched.Stop(stopCtx)
			stopCancel()
			monitor.Stop()

			cfg = newCfg
			sched, err = NewScheduler(cfg, logger, runFn)
			if err != nil {
				logger.Error("failed to create scheduler after reload", "error", err)
				return err
			}
			sched.Start()
			monitor = NewSystemMonitor(cfg.Backup.Root, logger)
			monitor.Start()
			reporter = newStatsReporter(sched, monitor, logger)
			reporter.Start()
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		reporter.Stop()
		sched.Stop(stopCtx)
		stopCancel()
		monitor.Stop()
		return nil
	}
}

// jobSnapshot captura o estado de um job para o log estruturado.
type jobSnapshot struct {
	VM            string  `json:"vm"`
	Schedule      string  `json:"schedule"`
	Status        string  `json:"status"`
	LastStatus    string  `json:"last_status,omitempty"`
	LastDurationS float64 `json:"last_duration_s,omitempty"`
	LastAt        string  `json:"last_at,omitempty"`
}

// statsReporter emite métricas periódicas do daemon no log.
type statsReporter struct {
	scheduler *Scheduler
	monitor   *SystemMonitor
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

func newStatsReporter(scheduler *Scheduler, monitor *SystemMonitor, logger *slog.Logger) *statsReporter {
	return &statsReporter{
		scheduler: scheduler,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *statsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *statsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *statsReporter) report() {
	jobs := sr.scheduler.Jobs()
	uptime := time.Since(sr.startTime).Seconds()

	var runningCount int
	snapshots := make([]jobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snap := jobSnapshot{VM: job.Entry.UUID, Schedule: job.Entry.Schedule}

		job.mu.Lock()
		if job.running {
			snap.Status = "running"
			runningCount++
		} else {
			snap.Status = "idle"
		}
		if job.LastResult != nil {
			snap.LastStatus = job.LastResult.Status
			snap.LastDurationS = job.LastResult.DurationSeconds
			snap.LastAt = job.LastResult.Timestamp.UTC().Format(time.RFC3339)
		}
		job.mu.Unlock()

		snapshots = append(snapshots, snap)
	}

	system := sr.monitor.Stats()
	sr.logger.Info("daemon stats",
		"uptime_s", uptime,
		"jobs", len(jobs),
		"running", runningCount,
		"job_details", snapshots,
		"cpu_percent", system.CPUPercent,
		"memory_percent", system.MemoryPercent,
		"backup_root_used_percent", system.BackupRootPercent,
		"backup_root_free_bytes", system.BackupRootFree,
		"load_avg", system.LoadAverage,
	)
}
