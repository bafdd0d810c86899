// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// FreeSpace devolve os bytes livres no filesystem que contém path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("backup: reading disk usage of %s: %w", path, err)
	}
	return usage.Free, nil
}

// SystemStats agrega as métricas coletadas para o log periódico do daemon.
type SystemStats struct {
	CPUPercent        float64
	MemoryPercent     float64
	BackupRootPercent float64
	BackupRootFree    uint64
	LoadAverage       float64
}

// SystemMonitor coleta métricas do sistema periodicamente, com foco no
// filesystem da raiz de backups.
type SystemMonitor struct {
	backupRoot string
	logger     *slog.Logger
	close      chan struct{}
	wg         sync.WaitGroup
	stats      SystemStats
	mu         sync.RWMutex
}

// NewSystemMonitor cria um SystemMonitor observando a raiz de backups.
func NewSystemMonitor(backupRoot string, logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		backupRoot: backupRoot,
		logger:     logger.With("component", "system_monitor"),
		close:      make(chan struct{}),
	}
}

// Start inicia a coleta periódica.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop encerra o monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats devolve as últimas métricas coletadas.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(sm.backupRoot); err == nil {
		stats.BackupRootPercent = d.UsedPercent
		stats.BackupRootFree = d.Free
	} else {
		sm.logger.Debug("failed to collect backup root disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
