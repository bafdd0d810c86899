// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// readFull preenche buf por completo, traduzindo half-close do peer
// (io.EOF / io.ErrUnexpectedEOF) para ErrEOF.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrEOF
		}
		return err
	}
	return nil
}

// ReadNewstyleGreeting lê o greeting do handshake fixed-newstyle
// (Server → Client) e retorna as handshake flags.
// Formato: [MagicNBD 8B] [MagicIHaveOpt 8B] [HandshakeFlags uint16 2B]
func ReadNewstyleGreeting(r io.Reader) (uint16, error) {
	var buf [18]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("reading newstyle greeting: %w", err)
	}
	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != MagicNBD {
		return 0, protocolViolation("bad initial magic %#x", magic)
	}
	if magic := binary.BigEndian.Uint64(buf[8:16]); magic != MagicIHaveOpt {
		return 0, protocolViolation("bad newstyle magic %#x", magic)
	}
	flags := binary.BigEndian.Uint16(buf[16:18])
	if flags&FlagHasFlags == 0 {
		return 0, protocolViolation("server did not set HAS_FLAGS in handshake flags %#x", flags)
	}
	return flags, nil
}

// ReadOldstyleGreeting lê o greeting do handshake oldstyle (Server → Client).
// Formato: [MagicNBD 8B] [MagicOldstyle 8B] [Size uint64 8B] [Flags uint32 4B] [Zeroes 124B]
func ReadOldstyleGreeting(r io.Reader) (*OldstyleGreeting, error) {
	var buf [28]byte
	if err := readFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading oldstyle greeting: %w", err)
	}
	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != MagicNBD {
		return nil, protocolViolation("bad initial magic %#x", magic)
	}
	if magic := binary.BigEndian.Uint64(buf[8:16]); magic != MagicOldstyle {
		return nil, protocolViolation("bad oldstyle magic %#x", magic)
	}
	g := &OldstyleGreeting{
		Size:  binary.BigEndian.Uint64(buf[16:24]),
		Flags: binary.BigEndian.Uint32(buf[24:28]),
	}
	var zeroes [sizeReservedZeroes]byte
	if err := readFull(r, zeroes[:]); err != nil {
		return nil, fmt.Errorf("reading oldstyle padding: %w", err)
	}
	return g, nil
}

// ReadOptionReply lê uma resposta de option (Server → Client), incluindo o
// payload. A validação de option id contra a última enviada é do caller.
func ReadOptionReply(r io.Reader) (*OptionReply, error) {
	var buf [20]byte
	if err := readFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading option reply header: %w", err)
	}
	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != MagicOptionReply {
		return nil, protocolViolation("bad option reply magic %#x", magic)
	}
	reply := &OptionReply{
		Option: binary.BigEndian.Uint32(buf[8:12]),
		Type:   binary.BigEndian.Uint32(buf[12:16]),
	}
	length := binary.BigEndian.Uint32(buf[16:20])
	if length > 0 {
		reply.Data = make([]byte, length)
		if err := readFull(r, reply.Data); err != nil {
			return nil, fmt.Errorf("reading option reply data: %w", err)
		}
	}
	return reply, nil
}

// ReadExportInfo lê o bloco de export info que o server envia ao aceitar
// OPT_EXPORT_NAME, incluindo os 124 bytes de padding.
func ReadExportInfo(r io.Reader) (*ExportInfo, error) {
	var buf [10]byte
	if err := readFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading export info: %w", err)
	}
	info := &ExportInfo{
		Size:              binary.BigEndian.Uint64(buf[0:8]),
		TransmissionFlags: binary.BigEndian.Uint16(buf[8:10]),
	}
	var zeroes [sizeReservedZeroes]byte
	if err := readFull(r, zeroes[:]); err != nil {
		return nil, fmt.Errorf("reading export info padding: %w", err)
	}
	return info, nil
}

// ReadSimpleReply lê o header de uma simple reply (Server → Client).
// O payload de reads (length bytes) é lido pelo caller em seguida.
func ReadSimpleReply(r io.Reader) (*SimpleReply, error) {
	var buf [16]byte
	if err := readFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading simple reply: %w", err)
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != MagicSimpleReply {
		return nil, protocolViolation("bad simple reply magic %#x", magic)
	}
	return &SimpleReply{
		Errno:  binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// ReadStructuredChunk lê um chunk de structured reply (Server → Client),
// decodificando os campos específicos de BLOCK_STATUS e de erros.
// A validação de handle é do caller.
func ReadStructuredChunk(r io.Reader) (*StructuredChunk, error) {
	var buf [20]byte
	if err := readFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading structured reply header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != MagicStructuredReply {
		return nil, protocolViolation("bad structured reply magic %#x", magic)
	}
	chunk := &StructuredChunk{
		Flags:  binary.BigEndian.Uint16(buf[4:6]),
		Type:   binary.BigEndian.Uint16(buf[6:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
	}
	length := binary.BigEndian.Uint32(buf[16:20])
	if length > 0 {
		chunk.Data = make([]byte, length)
		if err := readFull(r, chunk.Data); err != nil {
			return nil, fmt.Errorf("reading structured reply data: %w", err)
		}
	}

	switch {
	case chunk.Type == ReplyTypeBlockStatus:
		if err := decodeBlockStatus(chunk); err != nil {
			return nil, err
		}
	case chunk.IsError():
		if err := decodeChunkError(chunk); err != nil {
			return nil, err
		}
	}
	return chunk, nil
}

// decodeBlockStatus extrai context id e descritores (length, flags) do
// payload de um chunk BLOCK_STATUS.
func decodeBlockStatus(chunk *StructuredChunk) error {
	data := chunk.Data
	if len(data) < 4 || (len(data)-4)%8 != 0 {
		return protocolViolation("block status payload has invalid length %d", len(data))
	}
	chunk.ContextID = binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	chunk.Descriptors = make([]BlockStatusDescriptor, 0, len(data)/8)
	for len(data) > 0 {
		chunk.Descriptors = append(chunk.Descriptors, BlockStatusDescriptor{
			Length: binary.BigEndian.Uint32(data[0:4]),
			Flags:  binary.BigEndian.Uint32(data[4:8]),
		})
		data = data[8:]
	}
	return nil
}

// decodeChunkError extrai errno e mensagem de um chunk de erro.
// Formato do payload: [Errno uint32 4B] [MessageLength uint16 2B] [Message] [Offset uint64 8B em ERROR_OFFSET]
func decodeChunkError(chunk *StructuredChunk) error {
	if len(chunk.Data) < 6 {
		return protocolViolation("structured error payload too short: %d bytes", len(chunk.Data))
	}
	chunk.Errno = binary.BigEndian.Uint32(chunk.Data[0:4])
	msgLen := int(binary.BigEndian.Uint16(chunk.Data[4:6]))
	if msgLen > len(chunk.Data)-6 {
		return protocolViolation("structured error message length %d exceeds payload", msgLen)
	}
	chunk.Message = string(chunk.Data[6 : 6+msgLen])
	return nil
}
