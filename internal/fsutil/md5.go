// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fsutil reúne helpers de filesystem usados pelo backup: checksum
// de arquivos e cópia com reflink.
package fsutil

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// md5ChunkSize é o tamanho de leitura do checksum, alinhado ao bloco CBT.
const md5ChunkSize = 64 * 1024

// FileMD5 calcula o MD5 do arquivo em chunks de 64 KiB e devolve o digest
// em hex minúsculo, o mesmo formato do checksum server-side.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fsutil: opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, md5ChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("fsutil: reading %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
