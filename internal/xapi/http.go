// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/nishisan-dev/cbt-backup/internal/pki"
)

// hostEndpoint descreve o host que atende os endpoints HTTP da API.
type hostEndpoint struct {
	address  string
	hostname string
	certPEM  []byte
	useTLS   bool
}

// endpoint resolve o host desta sessão (ou o pool master, em sessões sem
// host) e, com TLS, busca o certificado e o hostname anunciados.
func (s *Session) endpoint(useTLS bool) (*hostEndpoint, error) {
	ep := &hostEndpoint{address: s.master, useTLS: useTLS}

	host, err := s.ThisHost()
	if err == nil && host != "" && host != NullRef {
		if addr, err := s.HostAddress(host); err == nil && addr != "" {
			ep.address = addr
		}
		if useTLS {
			cert, err := s.HostServerCertificate(host)
			if err != nil {
				return nil, err
			}
			ep.certPEM = []byte(cert)
			// O hostname anunciado pode diferir do endereço da URL; é
			// ele que o certificado nomeia.
			if hostname, err := s.HostHostname(host); err == nil {
				ep.hostname = hostname
			}
		}
	} else if useTLS {
		return nil, fmt.Errorf("xapi: cannot resolve session host for TLS endpoint")
	}
	return ep, nil
}

func (e *hostEndpoint) httpClient() (*http.Client, error) {
	if !e.useTLS {
		return http.DefaultClient, nil
	}
	tlsCfg, err := pki.NewHostTLSConfig(e.certPEM, e.hostname)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}, nil
}

func (e *hostEndpoint) url(path string, query url.Values) string {
	scheme := "http"
	if e.useTLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: e.address, Path: path, RawQuery: query.Encode()}
	return u.String()
}

// ExportVMMetadata baixa o export de metadata do VM, sem snapshots.
// GET /export_metadata?session_id=...&uuid=...&export_snapshots=false
func (s *Session) ExportVMMetadata(ctx context.Context, vmUUID string, useTLS bool) ([]byte, error) {
	ep, err := s.endpoint(useTLS)
	if err != nil {
		return nil, err
	}
	client, err := ep.httpClient()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("session_id", s.ID())
	query.Set("uuid", vmUUID)
	query.Set("export_snapshots", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.url("/export_metadata", query), nil)
	if err != nil {
		return nil, fmt.Errorf("xapi: building export_metadata request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xapi: export_metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xapi: export_metadata returned status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("xapi: reading export_metadata body: %w", err)
	}
	return data, nil
}

// ImportVMMetadata sobe o metadata exportado, remapeando cada VDI original
// para o recém-criado via parâmetros vdi:<orig_uuid>=<new_uuid>.
// PUT /import_metadata?session_id=...&task_id=...&vdi:<orig>=<new>...
func (s *Session) ImportVMMetadata(ctx context.Context, metadata []byte, task Ref, vdiMap map[string]string, useTLS bool) error {
	ep, err := s.endpoint(useTLS)
	if err != nil {
		return err
	}
	client, err := ep.httpClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("session_id", s.ID())
	query.Set("task_id", string(task))
	for orig, created := range vdiMap {
		query.Set("vdi:"+orig, created)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		ep.url("/import_metadata", query), bytes.NewReader(metadata))
	if err != nil {
		return fmt.Errorf("xapi: building import_metadata request: %w", err)
	}
	req.ContentLength = int64(len(metadata))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("xapi: import_metadata: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xapi: import_metadata returned status %s", resp.Status)
	}
	return nil
}

// ImportRawVDI sobe uma imagem raw para o VDI dado.
// PUT /import_raw_vdi?session_id=...&task_id=...&vdi=...&format=raw
func (s *Session) ImportRawVDI(ctx context.Context, data io.Reader, size int64, vdi, task Ref, useTLS bool) error {
	ep, err := s.endpoint(useTLS)
	if err != nil {
		return err
	}
	client, err := ep.httpClient()
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("session_id", s.ID())
	query.Set("task_id", string(task))
	query.Set("vdi", string(vdi))
	query.Set("format", "raw")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		ep.url("/import_raw_vdi", query), data)
	if err != nil {
		return fmt.Errorf("xapi: building import_raw_vdi request: %w", err)
	}
	req.ContentLength = size

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("xapi: import_raw_vdi: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xapi: import_raw_vdi returned status %s", resp.Status)
	}
	return nil
}
