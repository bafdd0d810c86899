// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package fsutil

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink executa o ioctl FICLONE, compartilhando os blocos de src com dst
// até que um dos lados seja modificado.
func reflink(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}
