// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/cbt"
	"github.com/nishisan-dev/cbt-backup/internal/fsutil"
	"github.com/nishisan-dev/cbt-backup/internal/nbd"
	"github.com/nishisan-dev/cbt-backup/internal/xapi"
)

// ManagementAPI é o recorte da API de gerenciamento que o downloader
// consome. *xapi.Session implementa a interface.
type ManagementAPI interface {
	VDINBDInfo(vdi xapi.Ref) ([]xapi.NBDInfo, error)
	VDIListChangedBlocks(from, to xapi.Ref) (string, error)
}

// Options parametriza o Downloader.
type Options struct {
	UseTLS bool
	// IOSize é o sub-bloco de leitura NBD (0 usa 4 MiB).
	IOSize uint32
	// Timeout das operações de socket NBD (0 usa o default do client).
	Timeout time.Duration
	// BandwidthLimit limita a taxa de leitura NBD em bytes/segundo
	// (0 desabilita).
	BandwidthLimit int64
	Logger         *slog.Logger
}

// Base identifica o backup base de um incremental: o snapshot server-side
// e o data file local correspondente.
type Base struct {
	Snapshot xapi.Ref
	File     string
}

// Downloader compõe client NBD, bitmap CBT e extent writer nos primitivos
// de download de VDI. A decisão full vs incremental é do orchestrator.
type Downloader struct {
	api    ManagementAPI
	opts   Options
	logger *slog.Logger
}

// New cria um Downloader.
func New(api ManagementAPI, opts Options) *Downloader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Downloader{api: api, opts: opts, logger: logger}
}

// FullVDIBackup baixa o VDI inteiro para um arquivo novo em modo append.
func (d *Downloader) FullVDIBackup(ctx context.Context, vdi xapi.Ref, outFile string) error {
	return d.withClient(ctx, vdi, func(client *nbd.Client, reader BlockReader) error {
		size := client.Size()
		d.logger.Info("starting full VDI download", "size", size, "out", outFile)

		writer := NewExtentWriter(reader, d.opts.IOSize)
		extents := []cbt.Extent{{Offset: 0, Length: size}}
		if err := writer.WriteExtents(extents, outFile, Append); err != nil {
			return err
		}
		return nil
	})
}

// IncrementalVDIBackup reconstrói o VDI a partir do backup base: clona o
// data file base (reflink quando possível), pede o bitmap CBT contra o
// snapshot base e sobrescreve apenas os extents alterados nos offsets
// originais. O arquivo final tem exatamente o virtual_size do VDI.
func (d *Downloader) IncrementalVDIBackup(ctx context.Context, vdi xapi.Ref, base Base, outFile string) error {
	encoded, err := d.api.VDIListChangedBlocks(base.Snapshot, vdi)
	if err != nil {
		return fmt.Errorf("download: listing changed blocks: %w", err)
	}
	bitmap, err := cbt.DecodeBitmap(encoded)
	if err != nil {
		return err
	}
	stats := bitmap.Statistics()
	d.logger.Info("changed block bitmap received",
		"disk_size", stats.DiskSize,
		"changed_bytes", stats.ChangedBytes,
	)

	if err := fsutil.ReflinkOrCopy(base.File, outFile); err != nil {
		return fmt.Errorf("download: cloning base backup: %w", err)
	}

	extents := bitmap.Extents(true)
	if len(extents) == 0 {
		d.logger.Info("no changed blocks, base copy is complete", "out", outFile)
		return nil
	}

	return d.withClient(ctx, vdi, func(_ *nbd.Client, reader BlockReader) error {
		writer := NewExtentWriter(reader, d.opts.IOSize)
		return writer.WriteExtents(extents, outFile, Overwrite)
	})
}

// withClient pede os endpoint records NBD do VDI, conecta no primeiro que
// aceitar e garante o teardown do client em qualquer saída.
func (d *Downloader) withClient(ctx context.Context, vdi xapi.Ref, fn func(*nbd.Client, BlockReader) error) error {
	infos, err := d.api.VDINBDInfo(vdi)
	if err != nil {
		return fmt.Errorf("download: getting NBD info: %w", err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("download: no NBD endpoints available for VDI %s", vdi)
	}

	client, err := d.connectAny(ctx, infos)
	if err != nil {
		return err
	}
	defer client.Close()

	var reader BlockReader = client
	if d.opts.BandwidthLimit > 0 {
		reader = NewThrottledReader(ctx, client, d.opts.BandwidthLimit)
	}
	return fn(client, reader)
}

// connectAny tenta os endpoint records em ordem; o primeiro connect bem
// sucedido vence.
func (d *Downloader) connectAny(ctx context.Context, infos []xapi.NBDInfo) (*nbd.Client, error) {
	var errs []error
	for _, info := range infos {
		client, err := nbd.Connect(ctx, nbd.Options{
			Address:    info.Address,
			Port:       info.Port,
			ExportName: info.ExportName,
			Timeout:    d.opts.Timeout,
			UseTLS:     d.opts.UseTLS,
			CACert:     []byte(info.Cert),
			Subject:    info.Subject,
			Logger:     d.logger,
		})
		if err == nil {
			return client, nil
		}
		d.logger.Warn("NBD endpoint failed, trying next",
			"address", info.Address,
			"error", err,
		)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("download: all NBD endpoints failed: %w", errors.Join(errs...))
}
