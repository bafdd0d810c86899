// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package nbd

import (
	"errors"
	"fmt"
)

// Erros sentinela do protocolo.
var (
	// ErrProtocol indica que o peer violou o protocolo NBD (magic, tamanho
	// ou flag fora do esperado). Fatal para o client.
	ErrProtocol = errors.New("nbd: protocol violation")
	// ErrUnaligned indica offset ou length não múltiplo de 512 passado
	// pelo caller. Nenhum byte é enviado no socket.
	ErrUnaligned = errors.New("nbd: unaligned offset or length")
	// ErrEOF indica que o peer fechou a conexão no meio de um frame.
	ErrEOF = errors.New("nbd: unexpected EOF from peer")
	// ErrClosed indica uso do client após Close.
	ErrClosed = errors.New("nbd: client is closed")
	// ErrNotNegotiated indica uso de structured replies sem a extensão
	// ter sido negociada no handshake.
	ErrNotNegotiated = errors.New("nbd: structured replies not negotiated")
)

// OptionError indica que o server rejeitou a última option enviada.
type OptionError struct {
	Option uint32 // option rejeitada
	Reply  uint32 // reply type devolvido pelo server (com o bit de erro)
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("nbd: server rejected option %d with reply %#x", e.Option, e.Reply)
}

// UnexpectedOptionError indica resposta a uma option diferente da última
// enviada pelo client.
type UnexpectedOptionError struct {
	Expected uint32
	Received uint32
}

func (e *UnexpectedOptionError) Error() string {
	return fmt.Sprintf("nbd: received reply to option %d, expected reply to option %d",
		e.Received, e.Expected)
}

func (e *UnexpectedOptionError) Unwrap() error { return ErrProtocol }

// UnexpectedHandleError indica reply com handle diferente do último request.
type UnexpectedHandleError struct {
	Expected uint64
	Received uint64
}

func (e *UnexpectedHandleError) Error() string {
	return fmt.Sprintf("nbd: received reply with handle %d, expected %d",
		e.Received, e.Expected)
}

func (e *UnexpectedHandleError) Unwrap() error { return ErrProtocol }

// TransmissionError indica errno não-zero devolvido pelo server para um
// request. Não corrompe o socket; o client pode emitir o próximo request.
type TransmissionError struct {
	Errno   uint32
	Message string // presente apenas em structured replies de erro
}

func (e *TransmissionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("nbd: server returned error %d: %s", e.Errno, e.Message)
	}
	return fmt.Sprintf("nbd: server returned error %d", e.Errno)
}

func protocolViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func unalignedError(name string, value uint64) error {
	return fmt.Errorf("%w: %s=%d is not a multiple of %d", ErrUnaligned, name, value, RequiredAlignment)
}
