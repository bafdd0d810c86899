// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package download materializa extents de um export NBD em arquivos
// locais e compõe os primitivos de backup full e incremental de VDIs.
package download

import (
	"fmt"
	"os"

	"github.com/nishisan-dev/cbt-backup/internal/cbt"
)

// BlockReader é a visão que o writer tem do client NBD: leituras
// síncronas de ranges alinhados. *nbd.Client implementa a interface.
type BlockReader interface {
	Read(offset uint64, length uint32) ([]byte, error)
}

// OutputMode define como os extents entram no arquivo de saída.
type OutputMode int

const (
	// Overwrite grava cada extent no seu offset original (seek+write).
	// O arquivo precisa existir — tipicamente a cópia do backup base.
	Overwrite OutputMode = iota
	// Append grava os extents em sequência no fim do arquivo; o caller
	// responde pela contiguidade.
	Append
)

// DefaultIOSize é o sub-bloco de leitura NBD padrão (4 MiB).
const DefaultIOSize = 4 * 1024 * 1024

// ExtentWriter lê ranges de um BlockReader e os escreve num arquivo de
// saída, um sub-bloco por vez.
type ExtentWriter struct {
	reader BlockReader
	ioSize uint32
}

// NewExtentWriter cria um writer com o sub-bloco dado (0 usa o default).
func NewExtentWriter(reader BlockReader, ioSize uint32) *ExtentWriter {
	if ioSize == 0 {
		ioSize = DefaultIOSize
	}
	return &ExtentWriter{reader: reader, ioSize: ioSize}
}

// WriteExtents materializa os extents no arquivo de saída. Não há
// rollback parcial em falha: o orchestrator descarta o diretório de
// backup inteiro.
func (w *ExtentWriter) WriteExtents(extents []cbt.Extent, outFile string, mode OutputMode) error {
	out, err := openOutput(outFile, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, extent := range extents {
		if err := w.writeExtent(out, extent, mode); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("download: syncing %s: %w", outFile, err)
	}
	return nil
}

func openOutput(outFile string, mode OutputMode) (*os.File, error) {
	switch mode {
	case Overwrite:
		out, err := os.OpenFile(outFile, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("download: opening %s for overwrite: %w", outFile, err)
		}
		return out, nil
	case Append:
		out, err := os.OpenFile(outFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("download: opening %s for append: %w", outFile, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("download: unknown output mode %d", mode)
	}
}

// writeExtent percorre o extent em passos de ioSize, lendo do NBD e
// gravando no arquivo.
func (w *ExtentWriter) writeExtent(out *os.File, extent cbt.Extent, mode OutputMode) error {
	end := extent.End()
	for cur := extent.Offset; cur < end; cur += uint64(w.ioSize) {
		length := uint32(min(uint64(w.ioSize), end-cur))

		data, err := w.reader.Read(cur, length)
		if err != nil {
			return fmt.Errorf("download: reading %d bytes at offset %d: %w", length, cur, err)
		}

		if mode == Overwrite {
			if _, err := out.WriteAt(data, int64(cur)); err != nil {
				return fmt.Errorf("download: writing %d bytes at offset %d: %w", length, cur, err)
			}
		} else {
			if _, err := out.Write(data); err != nil {
				return fmt.Errorf("download: appending %d bytes: %w", length, err)
			}
		}
	}
	return nil
}
