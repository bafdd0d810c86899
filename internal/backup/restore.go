// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nishisan-dev/cbt-backup/internal/store"
	"github.com/nishisan-dev/cbt-backup/internal/xapi"
)

// RestoreAPI é o recorte da API de gerenciamento consumido pelo restore.
// *xapi.Session implementa a interface.
type RestoreAPI interface {
	SRByUUID(uuid string) (xapi.Ref, error)
	HostByUUID(uuid string) (xapi.Ref, error)
	VDICreate(sr xapi.Ref, nameLabel string, size uint64) (xapi.Ref, error)
	VDIUUID(vdi xapi.Ref) (string, error)
	TaskCreate(label, description string) (xapi.Ref, error)
	TaskDestroy(task xapi.Ref)
	WaitTask(ctx context.Context, task xapi.Ref) (string, error)
	ImportRawVDI(ctx context.Context, data io.Reader, size int64, vdi, task xapi.Ref, useTLS bool) error
	ImportVMMetadata(ctx context.Context, metadata []byte, task xapi.Ref, vdiMap map[string]string, useTLS bool) error
}

// RestoreRequest identifica o backup a restaurar e o destino.
type RestoreRequest struct {
	VMUUID    string
	Timestamp string
	SRUUID    string
	HostUUID  string // opcional; valida que o host existe
	UseTLS    bool
}

// Restore recria os VDIs de um backup no SR destino (upload raw) e sobe o
// metadata do VM remapeando cada VDI original para o recém-criado.
func Restore(ctx context.Context, api RestoreAPI, st *store.Store, req RestoreRequest, logger *slog.Logger) error {
	logger = logger.With("vm", req.VMUUID, "timestamp", req.Timestamp)

	bdir, err := st.At(req.VMUUID, req.Timestamp)
	if err != nil {
		return err
	}
	vdis, err := bdir.VDIs()
	if err != nil {
		return err
	}
	if len(vdis) == 0 {
		return fmt.Errorf("backup: %s/%s has no VDIs to restore", req.VMUUID, req.Timestamp)
	}

	sr, err := api.SRByUUID(req.SRUUID)
	if err != nil {
		return err
	}
	if req.HostUUID != "" {
		if _, err := api.HostByUUID(req.HostUUID); err != nil {
			return err
		}
	}

	// vdiMap remapeia original_uuid -> uuid do VDI recriado para o
	// import_metadata.
	vdiMap := make(map[string]string, len(vdis))
	for _, entry := range vdis {
		newUUID, err := restoreVDI(ctx, api, sr, entry, req.UseTLS, logger)
		if err != nil {
			return err
		}
		vdiMap[entry.OriginalUUID] = newUUID
	}

	metadata, err := os.ReadFile(bdir.MetadataPath())
	if err != nil {
		return fmt.Errorf("backup: reading VM metadata: %w", err)
	}

	task, err := api.TaskCreate("cbt-backup.import_metadata", "restore of "+req.VMUUID)
	if err != nil {
		return err
	}
	defer api.TaskDestroy(task)

	if err := api.ImportVMMetadata(ctx, metadata, task, vdiMap, req.UseTLS); err != nil {
		return err
	}
	if _, err := api.WaitTask(ctx, task); err != nil {
		return fmt.Errorf("backup: import_metadata task: %w", err)
	}

	logger.Info("restore complete", "vdis", len(vdiMap))
	return nil
}

// restoreVDI cria o VDI destino com o tamanho do data file e sobe a
// imagem raw, devolvendo o UUID do VDI criado.
func restoreVDI(ctx context.Context, api RestoreAPI, sr xapi.Ref, entry store.VDIEntry, useTLS bool, logger *slog.Logger) (string, error) {
	info, err := os.Stat(entry.DataPath)
	if err != nil {
		return "", fmt.Errorf("backup: stat %s: %w", entry.DataPath, err)
	}

	vdi, err := api.VDICreate(sr, "cbt_restore_"+entry.OriginalUUID, uint64(info.Size()))
	if err != nil {
		return "", err
	}

	f, err := os.Open(entry.DataPath)
	if err != nil {
		return "", fmt.Errorf("backup: opening %s: %w", entry.DataPath, err)
	}
	defer f.Close()

	task, err := api.TaskCreate("cbt-backup.import_raw_vdi", "raw upload of "+entry.SnapshotUUID)
	if err != nil {
		return "", err
	}
	defer api.TaskDestroy(task)

	logger.Info("uploading raw VDI", "vdi", entry.SnapshotUUID, "bytes", info.Size())
	if err := api.ImportRawVDI(ctx, f, info.Size(), vdi, task, useTLS); err != nil {
		return "", err
	}
	if _, err := api.WaitTask(ctx, task); err != nil {
		return "", fmt.Errorf("backup: import_raw_vdi task: %w", err)
	}

	uuid, err := api.VDIUUID(vdi)
	if err != nil {
		return "", err
	}
	return uuid, nil
}
