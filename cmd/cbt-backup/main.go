// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nishisan-dev/cbt-backup/internal/backup"
	"github.com/nishisan-dev/cbt-backup/internal/config"
	"github.com/nishisan-dev/cbt-backup/internal/logging"
	"github.com/nishisan-dev/cbt-backup/internal/offsite"
	"github.com/nishisan-dev/cbt-backup/internal/store"
	"github.com/nishisan-dev/cbt-backup/internal/xapi"
)

const defaultConfigPath = "/etc/cbt-backup/config.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "backup":
		runBackup(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  cbt-backup backup  [--config <path>] [--vm <uuid>]
  cbt-backup restore [--config <path>] --vm <uuid> --ts <timestamp> --sr <uuid> [--host <uuid>]
  cbt-backup daemon  [--config <path>]`)
}

// loadConfig carrega config + logger; sai do processo em erro.
func loadConfig(configPath string) (*config.Config, *slog.Logger, func()) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	return cfg, logger, func() { logCloser.Close() }
}

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	vmUUID := fs.String("vm", "", "UUID of a single VM to back up (default: all configured VMs)")
	fs.Parse(args)

	cfg, logger, closeLog := loadConfig(*configPath)
	defer closeLog()

	var vms []config.VMEntry
	if *vmUUID != "" {
		entry, ok := cfg.VM(*vmUUID)
		if !ok {
			// Permite backup avulso de um VM fora da lista configurada.
			entry = config.VMEntry{UUID: *vmUUID}
		}
		vms = []config.VMEntry{entry}
	} else {
		vms = cfg.VMs
	}

	ctx := context.Background()
	var failed bool
	for _, vm := range vms {
		if err := runVMBackup(ctx, cfg, vm, logger); err != nil {
			logger.Error("backup failed", "vm", vm.UUID, "error", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// runVMBackup abre sessão, monta o orchestrator e executa o backup de um
// VM. Cada execução tem a sua própria sessão na API.
func runVMBackup(ctx context.Context, cfg *config.Config, vm config.VMEntry, logger *slog.Logger) error {
	session, err := xapi.Login(cfg.Master.Address, cfg.Master.Username, cfg.Master.Password, logger)
	if err != nil {
		return err
	}
	defer session.Logout()

	st, err := store.Open(cfg.Backup.Root)
	if err != nil {
		return err
	}

	var uploader *offsite.Uploader
	if cfg.Offsite.Enabled {
		uploader, err = offsite.NewUploader(ctx, cfg.Offsite, logger)
		if err != nil {
			return err
		}
	}

	o := backup.New(session, st, cfg, uploader, logger)
	return o.BackupVM(ctx, vm.UUID)
}

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	vmUUID := fs.String("vm", "", "UUID of the VM backup to restore")
	timestamp := fs.String("ts", "", "timestamp of the backup to restore")
	srUUID := fs.String("sr", "", "UUID of the destination SR")
	hostUUID := fs.String("host", "", "UUID of the destination host (optional)")
	fs.Parse(args)

	if *vmUUID == "" || *timestamp == "" || *srUUID == "" {
		fmt.Fprintln(os.Stderr, "restore requires --vm, --ts and --sr")
		os.Exit(2)
	}

	cfg, logger, closeLog := loadConfig(*configPath)
	defer closeLog()

	session, err := xapi.Login(cfg.Master.Address, cfg.Master.Username, cfg.Master.Password, logger)
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}
	defer session.Logout()

	st, err := store.Open(cfg.Backup.Root)
	if err != nil {
		logger.Error("opening backup root failed", "error", err)
		os.Exit(1)
	}

	req := backup.RestoreRequest{
		VMUUID:    *vmUUID,
		Timestamp: *timestamp,
		SRUUID:    *srUUID,
		HostUUID:  *hostUUID,
		UseTLS:    cfg.TLS.UseTLS(),
	}
	if err := backup.Restore(context.Background(), session, st, req, logger); err != nil {
		logger.Error("restore failed", "error", err)
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg, logger, closeLog := loadConfig(*configPath)
	defer closeLog()

	runFn := func(ctx context.Context, jobCfg *config.Config, vm config.VMEntry, jobLogger *slog.Logger) error {
		return runVMBackup(ctx, jobCfg, vm, jobLogger)
	}

	if err := backup.RunDaemon(*configPath, cfg, logger, runFn); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
