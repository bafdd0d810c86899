// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backup orquestra o backup por VM: snapshot, download por VDI
// (full ou incremental via CBT), verificação de checksum e teardown dos
// snapshots server-side.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/config"
	"github.com/nishisan-dev/cbt-backup/internal/download"
	"github.com/nishisan-dev/cbt-backup/internal/fsutil"
	"github.com/nishisan-dev/cbt-backup/internal/offsite"
	"github.com/nishisan-dev/cbt-backup/internal/store"
	"github.com/nishisan-dev/cbt-backup/internal/xapi"
)

// snapshotNameSuffix é o sufixo do nome do snapshot temporário de backup.
const snapshotNameSuffix = "_tmp_cbt_backup_snapshot"

// Erros do orchestrator.
var (
	// ErrChecksumMismatch indica MD5 local diferente do checksum
	// server-side. Fatal: o backup inteiro é descartado.
	ErrChecksumMismatch = errors.New("backup: local and server checksums differ")
	// ErrInsufficientSpace indica espaço livre insuficiente na raiz de
	// backups para os VDIs do snapshot.
	ErrInsufficientSpace = errors.New("backup: insufficient free space in backup root")
	// ErrChainBroken indica base incremental escolhida que não pôde ser
	// verificada localmente; o orchestrator cai para backup full.
	ErrChainBroken = errors.New("backup: incremental base missing locally")
)

// API é o recorte da API de gerenciamento consumido pelo orchestrator.
// *xapi.Session implementa a interface.
type API interface {
	download.ManagementAPI

	VMByUUID(uuid string) (xapi.Ref, error)
	VMNameLabel(vm xapi.Ref) (string, error)
	VMSnapshot(vm xapi.Ref, name string) (xapi.Ref, error)
	VMDestroy(vm xapi.Ref) error
	VMVBDs(vm xapi.Ref) ([]xapi.Ref, error)

	VBDVDI(vbd xapi.Ref) (xapi.Ref, error)
	VBDEmpty(vbd xapi.Ref) (bool, error)

	VDIUUID(vdi xapi.Ref) (string, error)
	VDIVirtualSize(vdi xapi.Ref) (uint64, error)
	VDICBTEnabled(vdi xapi.Ref) (bool, error)
	VDIEnableCBT(vdi xapi.Ref) error
	VDISnapshotOf(vdi xapi.Ref) (xapi.Ref, error)
	VDISnapshots(vdi xapi.Ref) ([]xapi.Ref, error)
	VDISnapshotTime(vdi xapi.Ref) (time.Time, error)
	VDIDestroy(vdi xapi.Ref) error
	VDIDataDestroy(vdi xapi.Ref) error
	AsyncVDIChecksum(vdi xapi.Ref) (xapi.Ref, error)

	WaitTask(ctx context.Context, task xapi.Ref) (string, error)
	ExportVMMetadata(ctx context.Context, vmUUID string, useTLS bool) ([]byte, error)
}

// Orchestrator executa backups de VMs contra uma sessão da API.
type Orchestrator struct {
	api        API
	store      *store.Store
	downloader *download.Downloader
	cfg        *config.Config
	uploader   *offsite.Uploader // nil quando offsite desabilitado
	logger     *slog.Logger
}

// New cria um Orchestrator. uploader pode ser nil.
func New(api API, st *store.Store, cfg *config.Config, uploader *offsite.Uploader, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		api:   api,
		store: st,
		downloader: download.New(api, download.Options{
			UseTLS:         cfg.TLS.UseTLS(),
			IOSize:         uint32(cfg.Backup.IOSizeRaw),
			Timeout:        cfg.Backup.Timeout,
			BandwidthLimit: cfg.Backup.BandwidthRaw,
			Logger:         logger,
		}),
		cfg:      cfg,
		uploader: uploader,
		logger:   logger,
	}
}

// snapVDI acompanha um VDI do snapshot durante o backup, para o teardown.
type snapVDI struct {
	ref        xapi.Ref
	uuid       string
	cbtEnabled bool
}

// BackupVM executa o backup completo de um VM: snapshot, metadata, um
// download por VDI com verificação de checksum, teardown do snapshot e
// rotação. Qualquer falha descarta o diretório de backup inteiro.
func (o *Orchestrator) BackupVM(ctx context.Context, vmUUID string) (retErr error) {
	logger := o.logger.With("vm", vmUUID)

	vm, err := o.api.VMByUUID(vmUUID)
	if err != nil {
		return err
	}

	bdir, err := o.store.Begin(vmUUID, time.Now())
	if err != nil {
		return err
	}
	logger = logger.With("timestamp", bdir.Timestamp())
	logger.Info("starting VM backup")

	// Liga CBT em todos os VDIs que suportarem. Não-fatal: um VDI sem
	// CBT entra como backup full.
	o.enableCBT(vm, logger)

	name, err := o.api.VMNameLabel(vm)
	if err != nil {
		bdir.Discard()
		return err
	}
	snapshot, err := o.api.VMSnapshot(vm, name+snapshotNameSuffix)
	if err != nil {
		bdir.Discard()
		return fmt.Errorf("backup: snapshotting VM: %w", err)
	}

	var snapVDIs []snapVDI
	defer func() {
		// O snapshot server-side é um recurso de vida curta do
		// orchestrator: destruído incondicionalmente, em sucesso e em
		// falha. Em falha o diretório local também some.
		o.destroySnapshot(snapshot, snapVDIs, logger)
		if retErr != nil {
			if err := bdir.Discard(); err != nil {
				logger.Error("failed to roll back backup directory", "error", err)
			}
		}
	}()

	snapVDIs, err = o.snapshotVDIs(snapshot)
	if err != nil {
		return err
	}

	if err := o.checkFreeSpace(snapVDIs); err != nil {
		return err
	}

	metadata, err := o.api.ExportVMMetadata(ctx, vmUUID, o.cfg.TLS.UseTLS())
	if err != nil {
		return fmt.Errorf("backup: exporting VM metadata: %w", err)
	}
	if err := bdir.WriteMetadata(metadata); err != nil {
		return err
	}

	for _, vdi := range snapVDIs {
		if err := o.backupVDI(ctx, bdir, vmUUID, vdi, logger); err != nil {
			return err
		}
	}

	logger.Info("VM backup complete", "vdis", len(snapVDIs))

	if err := o.store.Rotate(vmUUID, o.cfg.Backup.Keep); err != nil {
		logger.Warn("backup rotation failed", "error", err)
	}

	if o.uploader != nil {
		// Replicação é best effort: o backup local já está íntegro.
		if err := o.uploader.UploadBackup(ctx, bdir.Path(), vmUUID, bdir.Timestamp()); err != nil {
			logger.Warn("offsite replication failed", "error", err)
		}
	}

	return nil
}

// enableCBT liga o changed-block tracking em cada VDI do VM. Falhas são
// logadas e o backup continua (o VDI cai para full).
func (o *Orchestrator) enableCBT(vm xapi.Ref, logger *slog.Logger) {
	vbds, err := o.api.VMVBDs(vm)
	if err != nil {
		logger.Warn("listing VBDs for CBT enablement failed", "error", err)
		return
	}
	for _, vbd := range vbds {
		empty, err := o.api.VBDEmpty(vbd)
		if err != nil || empty {
			continue
		}
		vdi, err := o.api.VBDVDI(vbd)
		if err != nil {
			continue
		}
		enabled, err := o.api.VDICBTEnabled(vdi)
		if err == nil && enabled {
			continue
		}
		if err := o.api.VDIEnableCBT(vdi); err != nil {
			logger.Warn("enabling CBT failed, VDI will be backed up in full",
				"vdi", vdi, "error", err)
		}
	}
}

// snapshotVDIs enumera os VDIs não-vazios do VM snapshot.
func (o *Orchestrator) snapshotVDIs(snapshot xapi.Ref) ([]snapVDI, error) {
	vbds, err := o.api.VMVBDs(snapshot)
	if err != nil {
		return nil, err
	}
	vdis := make([]snapVDI, 0, len(vbds))
	for _, vbd := range vbds {
		empty, err := o.api.VBDEmpty(vbd)
		if err != nil {
			return nil, err
		}
		if empty {
			continue
		}
		ref, err := o.api.VBDVDI(vbd)
		if err != nil {
			return nil, err
		}
		uuid, err := o.api.VDIUUID(ref)
		if err != nil {
			return nil, err
		}
		cbtEnabled, err := o.api.VDICBTEnabled(ref)
		if err != nil {
			return nil, err
		}
		vdis = append(vdis, snapVDI{ref: ref, uuid: uuid, cbtEnabled: cbtEnabled})
	}
	return vdis, nil
}

// checkFreeSpace garante que a raiz de backups comporta a soma dos
// virtual_size dos VDIs antes de qualquer byte ser baixado.
func (o *Orchestrator) checkFreeSpace(vdis []snapVDI) error {
	var required uint64
	for _, vdi := range vdis {
		size, err := o.api.VDIVirtualSize(vdi.ref)
		if err != nil {
			return err
		}
		required += size
	}
	free, err := FreeSpace(o.store.Root())
	if err != nil {
		// Sem medição de espaço o backup segue; o erro real, se vier,
		// será de I/O durante o download.
		o.logger.Warn("free space check unavailable", "error", err)
		return nil
	}
	if free < required {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientSpace, required, free)
	}
	return nil
}

// backupVDI baixa um VDI do snapshot (incremental quando CBT e base local
// existem, full caso contrário) e valida o checksum contra o server.
func (o *Orchestrator) backupVDI(ctx context.Context, bdir *store.BackupDir, vmUUID string, vdi snapVDI, logger *slog.Logger) error {
	logger = logger.With("vdi", vdi.uuid)

	liveVDI, err := o.api.VDISnapshotOf(vdi.ref)
	if err != nil {
		return err
	}
	origUUID, err := o.api.VDIUUID(liveVDI)
	if err != nil {
		return err
	}

	dataPath, err := bdir.AddVDI(vdi.uuid, origUUID)
	if err != nil {
		return err
	}

	mode := "full"
	if vdi.cbtEnabled {
		if base, ok := o.latestLocalBackup(vmUUID, liveVDI, logger); ok {
			mode = "incremental"
			logger.Info("downloading VDI incrementally", "base", base.File)
			err := o.downloader.IncrementalVDIBackup(ctx, vdi.ref, base, dataPath)
			if err == nil {
				return o.verifyChecksum(ctx, vdi, dataPath, logger)
			}
			if !errors.Is(err, ErrChainBroken) && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			// Base local sumiu entre o lookup e a cópia: cadeia
			// quebrada, cai para full.
			logger.Warn("incremental base vanished, falling back to full backup", "error", err)
			os.Remove(dataPath)
			mode = "full"
		}
	}

	logger.Info("downloading VDI", "mode", mode)
	if err := o.downloader.FullVDIBackup(ctx, vdi.ref, dataPath); err != nil {
		return err
	}
	return o.verifyChecksum(ctx, vdi, dataPath, logger)
}

// latestLocalBackup acha o snapshot server-side mais novo do VDI vivo que
// também exista como backup local (match por UUID). É o invariante
// central do incremental: o metadata CBT do server e o conjunto local
// precisam concordar na mesma base.
func (o *Orchestrator) latestLocalBackup(vmUUID string, liveVDI xapi.Ref, logger *slog.Logger) (download.Base, bool) {
	snapshots, err := o.api.VDISnapshots(liveVDI)
	if err != nil {
		logger.Warn("listing snapshots failed, falling back to full backup", "error", err)
		return download.Base{}, false
	}

	type timedSnapshot struct {
		ref  xapi.Ref
		time time.Time
	}
	timed := make([]timedSnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		when, err := o.api.VDISnapshotTime(snap)
		if err != nil {
			// Snapshot destruído entre a enumeração e a leitura:
			// pula e segue com o resto da cadeia.
			logger.Warn("snapshot vanished while reading snapshot_time, skipping", "snapshot", snap)
			continue
		}
		timed = append(timed, timedSnapshot{ref: snap, time: when})
	}
	sort.Slice(timed, func(i, j int) bool { return timed[i].time.After(timed[j].time) })

	for _, snap := range timed {
		uuid, err := o.api.VDIUUID(snap.ref)
		if err != nil {
			continue
		}
		if path, ok := o.store.FindVDIData(vmUUID, uuid); ok {
			return download.Base{Snapshot: snap.ref, File: path}, true
		}
	}
	return download.Base{}, false
}

// verifyChecksum dispara o checksum server-side, calcula o MD5 local em
// paralelo e exige igualdade.
func (o *Orchestrator) verifyChecksum(ctx context.Context, vdi snapVDI, dataPath string, logger *slog.Logger) error {
	task, err := o.api.AsyncVDIChecksum(vdi.ref)
	if err != nil {
		return fmt.Errorf("backup: starting server checksum: %w", err)
	}

	type md5Result struct {
		sum string
		err error
	}
	localCh := make(chan md5Result, 1)
	go func() {
		sum, err := fsutil.FileMD5(dataPath)
		localCh <- md5Result{sum: sum, err: err}
	}()

	serverSum, err := o.api.WaitTask(ctx, task)
	if err != nil {
		return fmt.Errorf("backup: waiting for server checksum: %w", err)
	}
	local := <-localCh
	if local.err != nil {
		return local.err
	}

	if !strings.EqualFold(local.sum, serverSum) {
		return fmt.Errorf("%w: local=%s server=%s", ErrChecksumMismatch, local.sum, serverSum)
	}
	logger.Info("checksum verified", "md5", local.sum)
	return nil
}

// destroySnapshot remove o registro do VM snapshot e depois cada VDI do
// snapshot: data_destroy quando CBT estava ligado (preserva o metadata da
// cadeia), destroy caso contrário. O VM precisa ir primeiro porque
// data_destroy é rejeitado enquanto algum VBD referencia o VDI.
func (o *Orchestrator) destroySnapshot(snapshot xapi.Ref, vdis []snapVDI, logger *slog.Logger) {
	if err := o.api.VMDestroy(snapshot); err != nil {
		logger.Error("destroying VM snapshot failed", "error", err)
	}
	for _, vdi := range vdis {
		var err error
		if vdi.cbtEnabled {
			err = o.api.VDIDataDestroy(vdi.ref)
		} else {
			err = o.api.VDIDestroy(vdi.ref)
		}
		if err != nil {
			logger.Error("destroying snapshot VDI failed", "vdi", vdi.uuid, "error", err)
		}
	}
}
