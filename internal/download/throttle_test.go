// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package download

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestNewThrottledReader_Bypass(t *testing.T) {
	reader := &memReader{data: make([]byte, 1024)}

	if got := NewThrottledReader(context.Background(), reader, 0); got != BlockReader(reader) {
		t.Errorf("expected bypass for zero limit")
	}
	if got := NewThrottledReader(context.Background(), reader, -1); got != BlockReader(reader) {
		t.Errorf("expected bypass for negative limit")
	}
}

func TestThrottledReader_DeliversData(t *testing.T) {
	content := bytes.Repeat([]byte{0x5C}, 64*1024)
	reader := &memReader{data: content}

	throttled := NewThrottledReader(context.Background(), reader, 10*1024*1024)
	got, err := throttled.Read(0, 64*1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("throttled read corrupted data")
	}
}

func TestThrottledReader_RespectsRate(t *testing.T) {
	reader := &memReader{data: make([]byte, 256*1024)}

	// 64KiB/s com burst de 64KiB: ler 128KiB exige ~1s de espera.
	throttled := NewThrottledReader(context.Background(), reader, 64*1024)
	start := time.Now()
	if _, err := throttled.Read(0, 128*1024); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("expected throttling to delay the read, took %v", elapsed)
	}
}

func TestThrottledReader_ContextCancellation(t *testing.T) {
	reader := &memReader{data: make([]byte, 1024*1024)}

	ctx, cancel := context.WithCancel(context.Background())
	throttled := NewThrottledReader(ctx, reader, 1024) // 1KiB/s: nunca termina

	done := make(chan error, 1)
	go func() {
		_, err := throttled.Read(0, 512*1024)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Errorf("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled read did not return")
	}
}
