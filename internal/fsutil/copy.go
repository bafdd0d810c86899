// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fsutil

import (
	"fmt"
	"io"
	"os"
)

// ReflinkOrCopy clona src em dst. Tenta primeiro um clone copy-on-write a
// nível de filesystem; qualquer falha (filesystem sem suporte, cross-device)
// cai para uma cópia byte a byte. O resultado é idêntico nos dois caminhos;
// callers não podem assumir qual foi usado.
func ReflinkOrCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fsutil: opening source %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("fsutil: stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("fsutil: creating destination %s: %w", dst, err)
	}
	defer out.Close()

	if err := reflink(out, in); err == nil {
		return nil
	}

	// Fallback: cópia completa a partir do início do arquivo.
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("fsutil: rewinding %s: %w", src, err)
	}
	if err := out.Truncate(0); err != nil {
		return fmt.Errorf("fsutil: truncating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("fsutil: copying %s to %s: %w", src, dst, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("fsutil: syncing %s: %w", dst, err)
	}
	return nil
}
