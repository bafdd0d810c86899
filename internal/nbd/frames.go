// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package nbd implementa um client NBD (Network Block Device) síncrono,
// com suporte aos handshakes oldstyle e fixed-newstyle, upgrade opcional
// para TLS durante a negociação e à extensão de structured replies.
package nbd

// Magic numbers do protocolo NBD. Todos os frames são big-endian.
const (
	// MagicNBD abre os dois estilos de handshake ("NBDMAGIC").
	MagicNBD uint64 = 0x4e42444d41474943
	// MagicIHaveOpt segue o MagicNBD no handshake newstyle e prefixa
	// cada option enviada pelo client ("IHAVEOPT").
	MagicIHaveOpt uint64 = 0x49484156454f5054
	// MagicOldstyle segue o MagicNBD no handshake oldstyle.
	MagicOldstyle uint64 = 0x00420281861253
	// MagicOptionReply prefixa cada resposta de option do server.
	MagicOptionReply uint64 = 0x3e889045565a9
	// MagicRequest prefixa cada request da fase de transmissão.
	MagicRequest uint32 = 0x25609513
	// MagicSimpleReply prefixa cada simple reply do server.
	MagicSimpleReply uint32 = 0x67446698
	// MagicStructuredReply prefixa cada chunk de structured reply.
	MagicStructuredReply uint32 = 0x668e33ef
)

// Request types da fase de transmissão.
const (
	CmdRead        uint16 = 0
	CmdWrite       uint16 = 1
	CmdDisc        uint16 = 2
	CmdFlush       uint16 = 3
	CmdBlockStatus uint16 = 7
)

// Option types da fase de negociação.
const (
	OptExportName      uint32 = 1
	OptAbort           uint32 = 2
	OptStartTLS        uint32 = 5
	OptStructuredReply uint32 = 8
	OptListMetaContext uint32 = 9
	OptSetMetaContext  uint32 = 10
)

// Option reply types. RepErrorBit marca respostas de erro.
const (
	RepAck         uint32 = 1
	RepMetaContext uint32 = 4
	RepErrorBit    uint32 = 1 << 31
)

// Transmission flags anunciadas pelo server no fim da negociação.
const (
	FlagHasFlags  uint16 = 1 << 0
	FlagSendFlush uint16 = 1 << 2
)

// Client flags enviadas após o greeting newstyle.
const ClientFlagFixedNewstyle uint32 = 1 << 0

// Structured reply types. ReplyTypeErrorBit marca chunks de erro.
const (
	ReplyTypeNone        uint16 = 0
	ReplyTypeOffsetData  uint16 = 1
	ReplyTypeOffsetHole  uint16 = 2
	ReplyTypeBlockStatus uint16 = 3
	ReplyTypeErrorBit    uint16 = 1 << 15
)

// ReplyFlagDone sinaliza o último chunk de uma série de structured replies.
const ReplyFlagDone uint16 = 1 << 0

// RequiredAlignment é o alinhamento mínimo de offset e length em reads e
// writes da fase de transmissão.
const RequiredAlignment = 512

// sizeReservedZeroes é o padding que segue o export info e o greeting
// oldstyle.
const sizeReservedZeroes = 124

// OptionReply representa uma resposta de option do server.
// Formato: [Magic 8B] [Option uint32 4B] [Type uint32 4B] [Length uint32 4B] [Data]
type OptionReply struct {
	Option uint32
	Type   uint32
	Data   []byte
}

// IsError reporta se a resposta carrega o bit de erro.
func (r *OptionReply) IsError() bool {
	return r.Type&RepErrorBit != 0
}

// ExportInfo é o bloco enviado pelo server ao aceitar OPT_EXPORT_NAME.
// Formato: [Size uint64 8B] [TransmissionFlags uint16 2B] [Zeroes 124B]
type ExportInfo struct {
	Size              uint64
	TransmissionFlags uint16
}

// OldstyleGreeting é o bloco enviado pelo server no handshake oldstyle.
// Formato: [MagicNBD 8B] [MagicOldstyle 8B] [Size uint64 8B] [Flags uint32 4B] [Zeroes 124B]
type OldstyleGreeting struct {
	Size  uint64
	Flags uint32
}

// SimpleReply representa o header de uma simple reply.
// Formato: [Magic 4B] [Errno uint32 4B] [Handle uint64 8B] [Data length B em reads]
type SimpleReply struct {
	Errno  uint32
	Handle uint64
}

// StructuredChunk representa um chunk de structured reply já decodificado.
// Formato no wire: [Magic 4B] [Flags uint16 2B] [Type uint16 2B] [Handle uint64 8B] [Length uint32 4B] [Data]
type StructuredChunk struct {
	Flags  uint16
	Type   uint16
	Handle uint64
	Data   []byte

	// Campos decodificados para chunks BLOCK_STATUS.
	ContextID   uint32
	Descriptors []BlockStatusDescriptor

	// Campos decodificados para chunks de erro (Type & ReplyTypeErrorBit).
	Errno   uint32
	Message string
}

// Done reporta se este é o último chunk da série.
func (c *StructuredChunk) Done() bool {
	return c.Flags&ReplyFlagDone != 0
}

// IsError reporta se o chunk carrega o bit de erro.
func (c *StructuredChunk) IsError() bool {
	return c.Type&ReplyTypeErrorBit != 0
}

// BlockStatusDescriptor descreve um trecho do export num chunk BLOCK_STATUS.
type BlockStatusDescriptor struct {
	Length uint32
	Flags  uint32
}

// MetaContext é um par (id, nome) devolvido pelo server nas respostas
// META_CONTEXT de LIST/SET_META_CONTEXT.
type MetaContext struct {
	ID   uint32
	Name string
}
