// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build !linux

package fsutil

import (
	"errors"
	"os"
)

// reflink não tem suporte fora do Linux; o caller cai para a cópia comum.
func reflink(dst, src *os.File) error {
	return errors.ErrUnsupported
}
