// Package pki fornece funções para configuração de TLS do client NBD e
// das chamadas HTTPS à API de gerenciamento do hypervisor.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// NewNBDClientTLSConfig cria a configuração TLS usada no upgrade STARTTLS
// do client NBD. O certificado do server é validado contra o CA bundle PEM
// fornecido pela API de gerenciamento; a verificação de hostname usa
// subject quando não-vazio, espelhando o endpoint info do hypervisor.
// TLS 1.2 é o mínimo aceito pelos servers NBD.
func NewNBDClientTLSConfig(caPEM []byte, subject string) (*tls.Config, error) {
	pool, err := poolFromPEM(caPEM)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}

	if subject != "" {
		cfg.ServerName = subject
		return cfg, nil
	}

	// Sem subject não há hostname para validar: a cadeia ainda é
	// verificada contra o CA bundle, apenas sem binding de nome.
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return verifyChain(rawCerts, pool)
	}
	return cfg, nil
}

// NewHostTLSConfig cria a configuração TLS para os endpoints HTTP do host
// (export_metadata, import_metadata, import_raw_vdi). O certificado
// anunciado por host.get_server_certificate é a única âncora de confiança;
// o hostname binding usa o hostname anunciado pelo host, que pode diferir
// do endereço usado na URL.
func NewHostTLSConfig(hostCertPEM []byte, hostname string) (*tls.Config, error) {
	pool, err := poolFromPEM(hostCertPEM)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}
	if hostname != "" {
		cfg.ServerName = hostname
	}
	return cfg, nil
}

func poolFromPEM(pem []byte) (*x509.CertPool, error) {
	if len(pem) == 0 {
		return nil, fmt.Errorf("pki: empty CA certificate data")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("pki: failed to parse CA certificate data")
	}
	return pool, nil
}

// verifyChain valida a cadeia apresentada pelo peer contra o pool, sem
// verificação de hostname.
func verifyChain(rawCerts [][]byte, pool *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("pki: peer presented no certificates")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("pki: parsing peer certificate: %w", err)
	}
	inter := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("pki: parsing intermediate certificate: %w", err)
		}
		inter.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: inter}); err != nil {
		return fmt.Errorf("pki: verifying peer certificate: %w", err)
	}
	return nil
}
