// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package nbd_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/cbt-backup/internal/nbd"
	"github.com/nishisan-dev/cbt-backup/internal/nbd/nbdtest"
)

func connectTest(t *testing.T, srv *nbdtest.Server, opts nbd.Options) *nbd.Client {
	t.Helper()
	opts.Address = srv.Addr()
	opts.Port = srv.Port()
	opts.Timeout = 5 * time.Second
	client, err := nbd.Connect(context.Background(), opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_NewstyleReadWrite(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 64*1024)
	srv, err := nbdtest.Serve(data, nbdtest.Config{})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{ExportName: "disk0"})

	if client.Size() != uint64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), client.Size())
	}

	got, err := client.Read(512, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1024 {
		t.Errorf("expected 1024 bytes, got %d", len(got))
	}
	if !bytes.Equal(got, data[512:512+1024]) {
		t.Errorf("read data does not match export content")
	}

	patch := bytes.Repeat([]byte{0x5A}, 512)
	if err := client.Write(patch, 2048); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	after, err := client.Read(2048, 512)
	if err != nil {
		t.Fatalf("Read after write: %v", err)
	}
	if !bytes.Equal(after, patch) {
		t.Errorf("read after write does not match written data")
	}
}

func TestClient_Oldstyle(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, 128*1024)
	srv, err := nbdtest.Serve(data, nbdtest.Config{Oldstyle: true})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{Style: nbd.Oldstyle})

	if client.Size() != uint64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), client.Size())
	}
	got, err := client.Read(0, 512)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data[:512]) {
		t.Errorf("read data does not match export content")
	}
}

func TestClient_OldstyleRefusesTLS(t *testing.T) {
	_, err := nbd.Connect(context.Background(), nbd.Options{
		Address: "127.0.0.1",
		Style:   nbd.Oldstyle,
		UseTLS:  true,
	})
	if err == nil {
		t.Fatalf("expected error for oldstyle with TLS")
	}
}

func TestClient_HandshakeRejection(t *testing.T) {
	// Server que responde NBDMAGIC seguido de lixo no lugar de IHAVEOPT.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint64(nbd.MagicNBD))
		buf.WriteString("NOIHAVEO")
		binary.Write(&buf, binary.BigEndian, nbd.FlagHasFlags)
		conn.Write(buf.Bytes())
		io.Copy(io.Discard, conn)
	}()

	_, err = nbd.Connect(context.Background(), nbd.Options{
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Timeout: 5 * time.Second,
	})
	if !errors.Is(err, nbd.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestClient_UnalignedRead(t *testing.T) {
	data := make([]byte, 64*1024)
	srv, err := nbdtest.Serve(data, nbdtest.Config{})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{})

	if _, err := client.Read(513, 512); !errors.Is(err, nbd.ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for offset, got %v", err)
	}
	if _, err := client.Read(512, 513); !errors.Is(err, nbd.ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for length, got %v", err)
	}
	if err := client.Write(make([]byte, 100), 0); !errors.Is(err, nbd.ErrUnaligned) {
		t.Fatalf("expected ErrUnaligned for write length, got %v", err)
	}

	// Nenhum byte pode ter ido para o socket: o próximo request alinhado
	// ainda encontra o stream em sincronia.
	if _, err := client.Read(0, 512); err != nil {
		t.Fatalf("aligned read after unaligned attempts: %v", err)
	}
}

func TestClient_HandleMonotonicity(t *testing.T) {
	// Server mínimo que registra os handles recebidos.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	handles := make(chan uint64, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greeting := make([]byte, 18)
		binary.BigEndian.PutUint64(greeting[0:8], nbd.MagicNBD)
		binary.BigEndian.PutUint64(greeting[8:16], nbd.MagicIHaveOpt)
		binary.BigEndian.PutUint16(greeting[16:18], nbd.FlagHasFlags)
		conn.Write(greeting)
		io.ReadFull(conn, make([]byte, 4)) // client flags

		// OPT_EXPORT_NAME
		header := make([]byte, 16)
		io.ReadFull(conn, header)
		nameLen := binary.BigEndian.Uint32(header[12:16])
		io.ReadFull(conn, make([]byte, nameLen))
		info := make([]byte, 10+124)
		binary.BigEndian.PutUint64(info[0:8], 1<<20)
		binary.BigEndian.PutUint16(info[8:10], nbd.FlagHasFlags)
		conn.Write(info)

		req := make([]byte, 28)
		for {
			if _, err := io.ReadFull(conn, req); err != nil {
				close(handles)
				return
			}
			handle := binary.BigEndian.Uint64(req[8:16])
			reqType := binary.BigEndian.Uint16(req[6:8])
			if reqType == nbd.CmdDisc {
				close(handles)
				return
			}
			handles <- handle
			length := binary.BigEndian.Uint32(req[24:28])

			reply := make([]byte, 16)
			binary.BigEndian.PutUint32(reply[0:4], nbd.MagicSimpleReply)
			binary.BigEndian.PutUint64(reply[8:16], handle)
			conn.Write(reply)
			if reqType == nbd.CmdRead {
				conn.Write(make([]byte, length))
			}
		}
	}()

	client, err := nbd.Connect(context.Background(), nbd.Options{
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := client.Read(0, 512); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}
	client.Close()

	var last uint64
	for handle := range handles {
		if handle <= last {
			t.Errorf("handles not strictly increasing: %d after %d", handle, last)
		}
		last = handle
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	srv, err := nbdtest.Serve(make([]byte, 4096), nbdtest.Config{})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{})

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := client.Read(0, 512); !errors.Is(err, nbd.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := client.Write(make([]byte, 512), 0); !errors.Is(err, nbd.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := client.Flush(); !errors.Is(err, nbd.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestClient_StructuredReplyNegotiation(t *testing.T) {
	srv, err := nbdtest.Serve(make([]byte, 256*1024), nbdtest.Config{})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{
		StructuredReply: true,
		MetaContexts:    []string{"base:allocation"},
	})

	if !client.StructuredRepliesNegotiated() {
		t.Fatalf("expected structured replies to be negotiated")
	}

	stream, err := client.QueryBlockStatus(0, 128*1024)
	if err != nil {
		t.Fatalf("QueryBlockStatus: %v", err)
	}
	var chunks int
	for stream.Next() {
		chunk := stream.Chunk()
		if chunk.Type != nbd.ReplyTypeBlockStatus {
			t.Errorf("expected BLOCK_STATUS chunk, got type %d", chunk.Type)
		}
		if len(chunk.Descriptors) == 0 {
			t.Errorf("expected at least one descriptor")
		}
		chunks++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if chunks == 0 {
		t.Fatalf("expected at least one chunk")
	}

	// O socket continua utilizável após consumir a série.
	if _, err := client.Read(0, 512); err != nil {
		t.Fatalf("Read after block status: %v", err)
	}
}

func TestClient_StructuredReplyDowngrade(t *testing.T) {
	srv, err := nbdtest.Serve(make([]byte, 4096), nbdtest.Config{RejectStructuredReply: true})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{StructuredReply: true})

	if client.StructuredRepliesNegotiated() {
		t.Fatalf("expected downgrade when server rejects structured replies")
	}
	if _, err := client.QueryBlockStatus(0, 4096); !errors.Is(err, nbd.ErrNotNegotiated) {
		t.Fatalf("expected ErrNotNegotiated, got %v", err)
	}
}

func TestClient_StartTLS(t *testing.T) {
	certPEM, keyPEM := generateTestCert(t, "nbd.test.local")
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("loading key pair: %v", err)
	}

	data := bytes.Repeat([]byte{0xEE}, 64*1024)
	srv, err := nbdtest.Serve(data, nbdtest.Config{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{serverCert}},
	})
	if err != nil {
		t.Fatalf("starting test server: %v", err)
	}
	t.Cleanup(srv.Close)

	client := connectTest(t, srv, nbd.Options{
		UseTLS:  true,
		CACert:  certPEM,
		Subject: "nbd.test.local",
	})

	got, err := client.Read(0, 512)
	if err != nil {
		t.Fatalf("Read over TLS: %v", err)
	}
	if !bytes.Equal(got, data[:512]) {
		t.Errorf("read over TLS does not match export content")
	}
}

// generateTestCert emite um certificado self-signed para o DNS name dado.
func generateTestCert(t *testing.T, dnsName string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: dnsName},
		DNSNames:              []string{dnsName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
