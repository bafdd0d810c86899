// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteClientFlags escreve as client flags após o greeting newstyle
// (Client → Server).
// Formato: [Flags uint32 4B]
func WriteClientFlags(w io.Writer, flags uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], flags)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing client flags: %w", err)
	}
	return nil
}

// WriteOption escreve uma option (Client → Server).
// Formato: [MagicIHaveOpt 8B] [Option uint32 4B] [Length uint32 4B] [Data]
func WriteOption(w io.Writer, option uint32, data []byte) error {
	buf := make([]byte, 16, 16+len(data))
	binary.BigEndian.PutUint64(buf[0:8], MagicIHaveOpt)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	buf = append(buf, data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing option %d: %w", option, err)
	}
	return nil
}

// WriteRequest escreve o header de um request da fase de transmissão
// (Client → Server). O payload de writes é enviado pelo caller em seguida.
// Formato: [Magic 4B] [CmdFlags uint16 2B] [Type uint16 2B] [Handle uint64 8B] [Offset uint64 8B] [Length uint32 4B]
func WriteRequest(w io.Writer, cmdFlags, reqType uint16, handle, offset uint64, length uint32) error {
	var buf [28]byte
	binary.BigEndian.PutUint32(buf[0:4], MagicRequest)
	binary.BigEndian.PutUint16(buf[4:6], cmdFlags)
	binary.BigEndian.PutUint16(buf[6:8], reqType)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing request type %d: %w", reqType, err)
	}
	return nil
}

// MetaContextPayload monta o payload das options LIST/SET_META_CONTEXT.
// Formato: [ExportLen uint32 4B] [Export] [Count uint32 4B] {[QueryLen uint32 4B] [Query]}...
func MetaContextPayload(exportName string, queries []string) []byte {
	size := 4 + len(exportName) + 4
	for _, q := range queries {
		size += 4 + len(q)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(exportName)))
	buf = append(buf, exportName...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(queries)))
	for _, q := range queries {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(q)))
		buf = append(buf, q...)
	}
	return buf
}
