// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package nbd

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/pki"
)

// HandshakeStyle seleciona o estilo de negociação do protocolo.
type HandshakeStyle int

const (
	// FixedNewstyle é o handshake padrão, com option haggling e suporte
	// a STARTTLS e structured replies.
	FixedNewstyle HandshakeStyle = iota
	// Oldstyle é o handshake legado: o server envia tamanho e flags
	// imediatamente, sem fase de options. Incompatível com TLS.
	Oldstyle
)

// DefaultPort é a porta padrão de servers NBD.
const DefaultPort = 10809

// DefaultTimeout é o timeout padrão de cada operação de socket.
const DefaultTimeout = 60 * time.Second

// Options parametriza a conexão de um Client a um export.
type Options struct {
	Address    string
	Port       int    // default 10809
	ExportName string // apenas newstyle
	Timeout    time.Duration
	Style      HandshakeStyle

	// UseTLS ativa o upgrade STARTTLS durante a negociação newstyle.
	// CACert é o CA bundle PEM que valida o certificado do server;
	// Subject, quando não-vazio, é o nome esperado no certificado.
	UseTLS  bool
	CACert  []byte
	Subject string

	// StructuredReply negocia a extensão de structured replies. Se o
	// server rejeitar a option, o client continua sem a extensão e
	// QueryBlockStatus passa a falhar com ErrNotNegotiated.
	StructuredReply bool
	// MetaContexts são as queries de SET_META_CONTEXT enviadas após a
	// negociação de structured replies (ex.: "base:allocation").
	MetaContexts []string

	Logger *slog.Logger
}

// Client é um client NBD síncrono preso a um único export. O socket é de
// propriedade exclusiva do client; um request pendente por vez, replies
// validadas em ordem FIFO de handle.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger

	size       uint64
	tflags     uint16
	handle     uint64
	lastOption uint32

	flushed      bool
	closed       bool
	transmission bool
	structured   bool
}

// Connect abre o socket, executa o handshake no estilo pedido e prende o
// client ao export, retornando-o já em fase de transmissão.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Style == Oldstyle && opts.UseTLS {
		return nil, fmt.Errorf("nbd: TLS is not supported with the oldstyle handshake")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("export", opts.ExportName, "address", opts.Address)

	dialer := &net.Dialer{Timeout: opts.Timeout}
	addr := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nbd: connecting to %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		timeout: opts.Timeout,
		logger:  logger,
		flushed: true,
	}

	if opts.Style == Oldstyle {
		err = c.oldstyleHandshake()
	} else {
		err = c.fixedNewstyleHandshake(ctx, opts)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.transmission = true
	logger.Debug("nbd connection established",
		"size", c.size,
		"transmission_flags", c.tflags,
		"structured_reply", c.structured,
	)
	return c, nil
}

// Size retorna o tamanho do export em bytes.
func (c *Client) Size() uint64 {
	return c.size
}

// StructuredRepliesNegotiated reporta se a extensão de structured replies
// foi aceita pelo server durante o handshake.
func (c *Client) StructuredRepliesNegotiated() bool {
	return c.structured
}

// touch renova o deadline do socket antes de cada operação de I/O.
func (c *Client) touch() {
	c.conn.SetDeadline(time.Now().Add(c.timeout))
}

// Handshake: fixed-newstyle

func (c *Client) fixedNewstyleHandshake(ctx context.Context, opts Options) error {
	c.touch()
	if _, err := ReadNewstyleGreeting(c.conn); err != nil {
		return err
	}
	c.touch()
	if err := WriteClientFlags(c.conn, ClientFlagFixedNewstyle); err != nil {
		return err
	}

	if opts.UseTLS {
		if err := c.upgradeTLS(ctx, opts); err != nil {
			return err
		}
	}

	if opts.StructuredReply {
		if err := c.negotiateStructuredReply(); err != nil {
			var optErr *OptionError
			if !errors.As(err, &optErr) {
				return err
			}
			// Extensão opcional: segue sem structured replies.
			c.logger.Warn("server rejected structured replies, continuing without them",
				"reply", optErr.Reply)
		}
	}
	if c.structured && len(opts.MetaContexts) > 0 {
		if _, err := c.setMetaContexts(opts.ExportName, opts.MetaContexts); err != nil {
			return err
		}
	}

	return c.bindExport(opts.ExportName)
}

// upgradeTLS envia OPT_STARTTLS, aguarda o ACK e embrulha o socket em TLS,
// reentrando na negociação sobre o stream cifrado.
func (c *Client) upgradeTLS(ctx context.Context, opts Options) error {
	if err := c.sendOption(OptStartTLS, nil); err != nil {
		return err
	}
	reply, err := c.readOptionReply()
	if err != nil {
		return err
	}
	if reply.Type != RepAck {
		return protocolViolation("expected ACK to STARTTLS, got reply type %#x", reply.Type)
	}
	if len(reply.Data) != 0 {
		return protocolViolation("STARTTLS ACK carries %d unexpected data bytes", len(reply.Data))
	}

	tlsCfg, err := pki.NewNBDClientTLSConfig(opts.CACert, opts.Subject)
	if err != nil {
		return fmt.Errorf("nbd: building TLS config: %w", err)
	}
	tlsConn := tls.Client(c.conn, tlsCfg)
	tlsConn.SetDeadline(time.Now().Add(c.timeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("nbd: TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.logger.Debug("socket upgraded to TLS", "version", tlsConn.ConnectionState().Version)
	return nil
}

func (c *Client) negotiateStructuredReply() error {
	if err := c.sendOption(OptStructuredReply, nil); err != nil {
		return err
	}
	reply, err := c.readOptionReply()
	if err != nil {
		return err
	}
	if reply.Type != RepAck {
		return protocolViolation("expected ACK to STRUCTURED_REPLY, got reply type %#x", reply.Type)
	}
	c.structured = true
	return nil
}

// setMetaContexts envia SET_META_CONTEXT e coleta as respostas
// META_CONTEXT até o ACK final.
func (c *Client) setMetaContexts(exportName string, queries []string) ([]MetaContext, error) {
	return c.metaContextOption(OptSetMetaContext, exportName, queries)
}

// ListMetaContexts devolve os metadata contexts disponíveis no export que
// casam com as queries. Válido apenas antes de bindExport; exposto para
// ferramentas de diagnóstico.
func (c *Client) ListMetaContexts(exportName string, queries []string) ([]MetaContext, error) {
	if c.transmission {
		return nil, protocolViolation("LIST_META_CONTEXT is only valid during negotiation")
	}
	return c.metaContextOption(OptListMetaContext, exportName, queries)
}

func (c *Client) metaContextOption(option uint32, exportName string, queries []string) ([]MetaContext, error) {
	if err := c.sendOption(option, MetaContextPayload(exportName, queries)); err != nil {
		return nil, err
	}
	var contexts []MetaContext
	for {
		reply, err := c.readOptionReply()
		if err != nil {
			return nil, err
		}
		switch reply.Type {
		case RepAck:
			return contexts, nil
		case RepMetaContext:
			if len(reply.Data) < 4 {
				return nil, protocolViolation("META_CONTEXT reply too short: %d bytes", len(reply.Data))
			}
			contexts = append(contexts, MetaContext{
				ID:   binary.BigEndian.Uint32(reply.Data[:4]),
				Name: string(reply.Data[4:]),
			})
		default:
			return nil, protocolViolation("unexpected reply type %#x to meta context option", reply.Type)
		}
	}
}

// bindExport envia OPT_EXPORT_NAME e lê o export info, entrando na fase
// de transmissão.
func (c *Client) bindExport(exportName string) error {
	if err := c.sendOption(OptExportName, []byte(exportName)); err != nil {
		return err
	}
	c.touch()
	info, err := ReadExportInfo(c.conn)
	if err != nil {
		return err
	}
	if info.TransmissionFlags&FlagHasFlags == 0 {
		return protocolViolation("server did not set HAS_FLAGS in transmission flags %#x",
			info.TransmissionFlags)
	}
	c.size = info.Size
	c.tflags = info.TransmissionFlags
	return nil
}

// Handshake: oldstyle

func (c *Client) oldstyleHandshake() error {
	c.touch()
	greeting, err := ReadOldstyleGreeting(c.conn)
	if err != nil {
		return err
	}
	c.size = greeting.Size
	c.tflags = uint16(greeting.Flags)
	return nil
}

// Options (fase de negociação)

func (c *Client) sendOption(option uint32, data []byte) error {
	c.touch()
	if err := WriteOption(c.conn, option, data); err != nil {
		return err
	}
	c.lastOption = option
	return nil
}

func (c *Client) readOptionReply() (*OptionReply, error) {
	c.touch()
	reply, err := ReadOptionReply(c.conn)
	if err != nil {
		return nil, err
	}
	if reply.Option != c.lastOption {
		return nil, &UnexpectedOptionError{Expected: c.lastOption, Received: reply.Option}
	}
	if reply.IsError() {
		return nil, &OptionError{Option: reply.Option, Reply: reply.Type}
	}
	return reply, nil
}

// Fase de transmissão

// sendRequest emite o header de um request com o próximo handle.
func (c *Client) sendRequest(reqType uint16, offset uint64, length uint32) error {
	c.handle++
	c.touch()
	return WriteRequest(c.conn, 0, reqType, c.handle, offset, length)
}

func (c *Client) checkHandle(handle uint64) error {
	if handle != c.handle {
		return &UnexpectedHandleError{Expected: c.handle, Received: handle}
	}
	return nil
}

// readSimpleReply lê e valida o header de uma simple reply. Errno não-zero
// vira TransmissionError; o socket permanece utilizável.
func (c *Client) readSimpleReply() (*SimpleReply, error) {
	c.touch()
	reply, err := ReadSimpleReply(c.conn)
	if err != nil {
		return nil, err
	}
	if err := c.checkHandle(reply.Handle); err != nil {
		return nil, err
	}
	if reply.Errno != 0 {
		return nil, &TransmissionError{Errno: reply.Errno}
	}
	return reply, nil
}

// Read lê length bytes do export a partir de offset. Offset e length devem
// ser múltiplos de 512; a verificação acontece antes de qualquer byte
// tocar o socket.
func (c *Client) Read(offset uint64, length uint32) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if offset%RequiredAlignment != 0 {
		return nil, unalignedError("offset", offset)
	}
	if length%RequiredAlignment != 0 {
		return nil, unalignedError("length", uint64(length))
	}
	if err := c.sendRequest(CmdRead, offset, length); err != nil {
		return nil, err
	}
	if _, err := c.readSimpleReply(); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	c.touch()
	if err := readFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("reading payload of %d bytes: %w", length, err)
	}
	return data, nil
}

// Write grava data no export a partir de offset, com a mesma regra de
// alinhamento de Read. Retorna após a reply do server.
func (c *Client) Write(data []byte, offset uint64) error {
	if c.closed {
		return ErrClosed
	}
	if offset%RequiredAlignment != 0 {
		return unalignedError("offset", offset)
	}
	if uint64(len(data))%RequiredAlignment != 0 {
		return unalignedError("length", uint64(len(data)))
	}
	c.flushed = false
	if err := c.sendRequest(CmdWrite, offset, uint32(len(data))); err != nil {
		return err
	}
	c.touch()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing payload of %d bytes: %w", len(data), err)
	}
	_, err := c.readSimpleReply()
	return err
}

// Flush garante que todo write já respondido pelo server esteja durável.
// No-op se o server não anunciou SEND_FLUSH ou se não houve write desde o
// último flush.
func (c *Client) Flush() error {
	if c.closed {
		return ErrClosed
	}
	if c.tflags&FlagSendFlush == 0 || c.flushed {
		c.flushed = true
		return nil
	}
	if err := c.sendRequest(CmdFlush, 0, 0); err != nil {
		return err
	}
	if _, err := c.readSimpleReply(); err != nil {
		return err
	}
	c.flushed = true
	return nil
}

// QueryBlockStatus emite um request BLOCK_STATUS e devolve o stream de
// chunks da resposta. O caller deve consumir o stream até o fim antes de
// emitir o próximo request: o socket é um recurso serializado.
func (c *Client) QueryBlockStatus(offset uint64, length uint32) (*BlockStatusStream, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !c.structured {
		return nil, ErrNotNegotiated
	}
	if err := c.sendRequest(CmdBlockStatus, offset, length); err != nil {
		return nil, err
	}
	return &BlockStatusStream{client: c}, nil
}

// Close envia flush se houver writes pendentes, despede-se do server
// (DISC em transmissão, ABORT em negociação) e libera o socket.
// Idempotente; operações posteriores falham com ErrClosed.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.transmission {
		if !c.flushed {
			if err := c.flushOnClose(); err != nil {
				firstErr = err
			}
		}
		if err := c.sendRequest(CmdDisc, 0, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		if err := c.sendOption(OptAbort, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing socket: %w", err)
	}
	return firstErr
}

// flushOnClose replica Flush sem o guard de ErrClosed, já que Close marca
// o client como fechado antes do teardown.
func (c *Client) flushOnClose() error {
	if c.tflags&FlagSendFlush == 0 {
		return nil
	}
	if err := c.sendRequest(CmdFlush, 0, 0); err != nil {
		return err
	}
	_, err := c.readSimpleReply()
	return err
}

// BlockStatusStream itera os chunks de uma resposta BLOCK_STATUS no estilo
// bufio.Scanner: Next avança, Chunk devolve o chunk corrente, Err reporta
// a falha que encerrou a iteração.
type BlockStatusStream struct {
	client *Client
	chunk  *StructuredChunk
	err    error
	done   bool
}

// Next lê o próximo chunk. Retorna false no fim da série (flag DONE já
// consumida) ou em erro. Chunks de erro do server encerram a iteração com
// TransmissionError em Err, após drenar a série para manter o socket
// utilizável.
func (s *BlockStatusStream) Next() bool {
	if s.done || s.err != nil {
		return false
	}
	if s.chunk != nil && s.chunk.Done() {
		s.done = true
		return false
	}

	s.client.touch()
	chunk, err := ReadStructuredChunk(s.client.conn)
	if err != nil {
		s.err = err
		return false
	}
	if err := s.client.checkHandle(chunk.Handle); err != nil {
		s.err = err
		return false
	}
	if chunk.IsError() {
		s.err = &TransmissionError{Errno: chunk.Errno, Message: chunk.Message}
		if !chunk.Done() {
			s.drain()
		}
		return false
	}
	s.chunk = chunk
	return true
}

// Chunk devolve o chunk corrente, válido após um Next que retornou true.
func (s *BlockStatusStream) Chunk() *StructuredChunk {
	return s.chunk
}

// Err devolve o erro que encerrou a iteração, se houver.
func (s *BlockStatusStream) Err() error {
	return s.err
}

// drain consome a série até o chunk DONE para não deixar bytes órfãos no
// socket.
func (s *BlockStatusStream) drain() {
	for {
		s.client.touch()
		chunk, err := ReadStructuredChunk(s.client.conn)
		if err != nil || chunk.Done() {
			return
		}
	}
}
