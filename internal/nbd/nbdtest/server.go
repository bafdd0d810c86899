// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package nbdtest fornece um server NBD em memória para testes, no estilo
// de net/http/httptest: escuta em 127.0.0.1, serve um export backed por um
// slice de bytes e implementa o subconjunto do protocolo que o client usa
// (fixed-newstyle e oldstyle, STARTTLS, structured replies, BLOCK_STATUS).
package nbdtest

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/nishisan-dev/cbt-backup/internal/nbd"
)

// Config parametriza o comportamento do server de teste.
type Config struct {
	// TLSConfig habilita STARTTLS quando não-nil.
	TLSConfig *tls.Config
	// Oldstyle serve o greeting oldstyle em vez do fixed-newstyle.
	Oldstyle bool
	// RejectStructuredReply responde OPT_STRUCTURED_REPLY com erro.
	RejectStructuredReply bool
	// NoFlush omite SEND_FLUSH das transmission flags.
	NoFlush bool
}

// Server é um server NBD de teste servindo um único export.
type Server struct {
	ln  net.Listener
	cfg Config

	mu   sync.Mutex
	data []byte

	wg sync.WaitGroup
}

// Serve inicia o server sobre uma cópia de data e retorna após o listener
// estar aceitando conexões.
func Serve(data []byte, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, cfg: cfg, data: append([]byte(nil), data...)}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr retorna o host do listener.
func (s *Server) Addr() string {
	return "127.0.0.1"
}

// Port retorna a porta do listener.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Bytes retorna uma cópia do conteúdo atual do export.
func (s *Server) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

// SetBytes substitui o conteúdo do export.
func (s *Server) SetBytes(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
}

// Close encerra o listener e aguarda as conexões terminarem.
func (s *Server) Close() {
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) transmissionFlags() uint16 {
	flags := nbd.FlagHasFlags
	if !s.cfg.NoFlush {
		flags |= nbd.FlagSendFlush
	}
	return flags
}

func (s *Server) serveConn(conn net.Conn) {
	if s.cfg.Oldstyle {
		if s.oldstyleGreeting(conn) != nil {
			return
		}
		s.transmissionLoop(conn)
		return
	}

	conn, ok := s.negotiate(conn)
	if !ok {
		return
	}
	s.transmissionLoop(conn)
}

func (s *Server) oldstyleGreeting(conn net.Conn) error {
	buf := make([]byte, 28+124)
	binary.BigEndian.PutUint64(buf[0:8], nbd.MagicNBD)
	binary.BigEndian.PutUint64(buf[8:16], nbd.MagicOldstyle)
	binary.BigEndian.PutUint64(buf[16:24], uint64(len(s.data)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(s.transmissionFlags()))
	_, err := conn.Write(buf)
	return err
}

// negotiate executa o lado server do handshake fixed-newstyle e retorna a
// conexão (possivelmente embrulhada em TLS) pronta para transmissão.
func (s *Server) negotiate(conn net.Conn) (net.Conn, bool) {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbd.MagicNBD)
	binary.BigEndian.PutUint64(greeting[8:16], nbd.MagicIHaveOpt)
	binary.BigEndian.PutUint16(greeting[16:18], nbd.FlagHasFlags)
	if _, err := conn.Write(greeting); err != nil {
		return nil, false
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(conn, clientFlags[:]); err != nil {
		return nil, false
	}

	for {
		option, data, err := readOption(conn)
		if err != nil {
			return nil, false
		}
		switch option {
		case nbd.OptStartTLS:
			if s.cfg.TLSConfig == nil {
				writeOptionReply(conn, option, nbd.RepErrorBit|1, nil)
				continue
			}
			if err := writeOptionReply(conn, option, nbd.RepAck, nil); err != nil {
				return nil, false
			}
			tlsConn := tls.Server(conn, s.cfg.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				return nil, false
			}
			conn = tlsConn
		case nbd.OptStructuredReply:
			if s.cfg.RejectStructuredReply {
				writeOptionReply(conn, option, nbd.RepErrorBit|1, nil)
				continue
			}
			if err := writeOptionReply(conn, option, nbd.RepAck, nil); err != nil {
				return nil, false
			}
		case nbd.OptSetMetaContext, nbd.OptListMetaContext:
			for i, name := range parseMetaQueries(data) {
				payload := make([]byte, 4+len(name))
				binary.BigEndian.PutUint32(payload[:4], uint32(i+1))
				copy(payload[4:], name)
				if err := writeOptionReply(conn, option, nbd.RepMetaContext, payload); err != nil {
					return nil, false
				}
			}
			if err := writeOptionReply(conn, option, nbd.RepAck, nil); err != nil {
				return nil, false
			}
		case nbd.OptExportName:
			info := make([]byte, 10+124)
			binary.BigEndian.PutUint64(info[0:8], uint64(len(s.data)))
			binary.BigEndian.PutUint16(info[8:10], s.transmissionFlags())
			if _, err := conn.Write(info); err != nil {
				return nil, false
			}
			return conn, true
		case nbd.OptAbort:
			writeOptionReply(conn, option, nbd.RepAck, nil)
			return nil, false
		default:
			writeOptionReply(conn, option, nbd.RepErrorBit|1, nil)
		}
	}
}

func (s *Server) transmissionLoop(conn net.Conn) {
	header := make([]byte, 28)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		if binary.BigEndian.Uint32(header[0:4]) != nbd.MagicRequest {
			return
		}
		reqType := binary.BigEndian.Uint16(header[6:8])
		handle := binary.BigEndian.Uint64(header[8:16])
		offset := binary.BigEndian.Uint64(header[16:24])
		length := binary.BigEndian.Uint32(header[24:28])

		switch reqType {
		case nbd.CmdRead:
			s.mu.Lock()
			payload := append([]byte(nil), s.data[offset:offset+uint64(length)]...)
			s.mu.Unlock()
			if writeSimpleReply(conn, 0, handle) != nil {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
		case nbd.CmdWrite:
			payload := make([]byte, length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			s.mu.Lock()
			copy(s.data[offset:], payload)
			s.mu.Unlock()
			if writeSimpleReply(conn, 0, handle) != nil {
				return
			}
		case nbd.CmdFlush:
			if writeSimpleReply(conn, 0, handle) != nil {
				return
			}
		case nbd.CmdBlockStatus:
			if s.writeBlockStatus(conn, handle, length) != nil {
				return
			}
		case nbd.CmdDisc:
			return
		default:
			if writeSimpleReply(conn, 22, handle) != nil {
				return
			}
		}
	}
}

// writeBlockStatus responde com um único chunk BLOCK_STATUS cobrindo o
// range pedido, com a flag DONE.
func (s *Server) writeBlockStatus(conn net.Conn, handle uint64, length uint32) error {
	payload := make([]byte, 4+8)
	binary.BigEndian.PutUint32(payload[0:4], 1) // context id
	binary.BigEndian.PutUint32(payload[4:8], length)
	binary.BigEndian.PutUint32(payload[8:12], 0)

	buf := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], nbd.MagicStructuredReply)
	binary.BigEndian.PutUint16(buf[4:6], nbd.ReplyFlagDone)
	binary.BigEndian.PutUint16(buf[6:8], nbd.ReplyTypeBlockStatus)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:], payload)
	_, err := conn.Write(buf)
	return err
}

func readOption(conn net.Conn) (uint32, []byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	option := binary.BigEndian.Uint32(header[8:12])
	length := binary.BigEndian.Uint32(header[12:16])
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return 0, nil, err
	}
	return option, data, nil
}

func writeOptionReply(conn net.Conn, option, replyType uint32, data []byte) error {
	buf := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(buf[0:8], nbd.MagicOptionReply)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], replyType)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(data)))
	copy(buf[20:], data)
	_, err := conn.Write(buf)
	return err
}

func writeSimpleReply(conn net.Conn, errno uint32, handle uint64) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], nbd.MagicSimpleReply)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	_, err := conn.Write(buf)
	return err
}

// parseMetaQueries decodifica o payload de SET/LIST_META_CONTEXT.
func parseMetaQueries(data []byte) []string {
	if len(data) < 4 {
		return nil
	}
	exportLen := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < exportLen+4 {
		return nil
	}
	data = data[exportLen:]
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	queries := make([]string, 0, count)
	for i := uint32(0); i < count && len(data) >= 4; i++ {
		qLen := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < qLen {
			break
		}
		queries = append(queries, string(data[:qLen]))
		data = data[qLen:]
	}
	return queries
}
