// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package download

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstSize limita o burst do token bucket ao sub-bloco padrão de
// leitura, evitando reservas enormes em leituras grandes.
const maxBurstSize = DefaultIOSize

// ThrottledReader é um BlockReader com rate limiting por token bucket.
// Limita a taxa agregada de leitura NBD a bytesPerSec.
type ThrottledReader struct {
	reader  BlockReader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader embrulha reader com a taxa máxima em bytes/segundo.
// Se bytesPerSec <= 0, devolve o reader original sem throttle (bypass).
func NewThrottledReader(ctx context.Context, reader BlockReader, bytesPerSec int64) BlockReader {
	if bytesPerSec <= 0 {
		return reader
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledReader{
		reader:  reader,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read consome tokens antes de delegar a leitura, bloqueando até o rate
// permitir. Leituras maiores que o burst consomem tokens em parcelas.
func (tr *ThrottledReader) Read(offset uint64, length uint32) ([]byte, error) {
	remaining := int(length)
	for remaining > 0 {
		chunk := remaining
		if chunk > tr.limiter.Burst() {
			chunk = tr.limiter.Burst()
		}
		if err := tr.limiter.WaitN(tr.ctx, chunk); err != nil {
			return nil, err
		}
		remaining -= chunk
	}
	return tr.reader.Read(offset, length)
}
