// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xapi

import (
	"fmt"
	"time"
)

// NBDInfo é o endpoint record devolvido por VDI.get_nbd_info. Válido
// apenas enquanto o VDI continuar attachável.
type NBDInfo struct {
	Address    string
	Port       int
	ExportName string
	Subject    string // nome esperado no certificado TLS do server
	Cert       string // CA bundle PEM
}

// VM

// VMByUUID resolve um VM pelo UUID.
func (s *Session) VMByUUID(uuid string) (Ref, error) {
	value, err := s.apiCall("VM.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("xapi: VM.get_by_uuid %s: %w", uuid, err)
	}
	return Ref(toString(value)), nil
}

// VMNameLabel devolve o name_label do VM.
func (s *Session) VMNameLabel(vm Ref) (string, error) {
	value, err := s.apiCall("VM.get_name_label", string(vm))
	if err != nil {
		return "", fmt.Errorf("xapi: VM.get_name_label: %w", err)
	}
	return toString(value), nil
}

// VMSnapshot tira um snapshot do VM com o nome dado e devolve a
// referência do VM snapshot.
func (s *Session) VMSnapshot(vm Ref, name string) (Ref, error) {
	value, err := s.apiCall("VM.snapshot", string(vm), name)
	if err != nil {
		return "", fmt.Errorf("xapi: VM.snapshot: %w", err)
	}
	return Ref(toString(value)), nil
}

// VMDestroy remove o registro do VM (usado no teardown do snapshot).
func (s *Session) VMDestroy(vm Ref) error {
	if _, err := s.apiCall("VM.destroy", string(vm)); err != nil {
		return fmt.Errorf("xapi: VM.destroy: %w", err)
	}
	return nil
}

// VMVBDs lista os VBDs do VM.
func (s *Session) VMVBDs(vm Ref) ([]Ref, error) {
	value, err := s.apiCall("VM.get_VBDs", string(vm))
	if err != nil {
		return nil, fmt.Errorf("xapi: VM.get_VBDs: %w", err)
	}
	return toRefs(value), nil
}

// VBD

// VBDVDI devolve o VDI anexado ao VBD.
func (s *Session) VBDVDI(vbd Ref) (Ref, error) {
	value, err := s.apiCall("VBD.get_VDI", string(vbd))
	if err != nil {
		return "", fmt.Errorf("xapi: VBD.get_VDI: %w", err)
	}
	return Ref(toString(value)), nil
}

// VBDEmpty reporta se o VBD está vazio (drive de CD sem mídia).
func (s *Session) VBDEmpty(vbd Ref) (bool, error) {
	value, err := s.apiCall("VBD.get_empty", string(vbd))
	if err != nil {
		return false, fmt.Errorf("xapi: VBD.get_empty: %w", err)
	}
	return toBool(value), nil
}

// VDI

// VDIByUUID resolve um VDI pelo UUID.
func (s *Session) VDIByUUID(uuid string) (Ref, error) {
	value, err := s.apiCall("VDI.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("xapi: VDI.get_by_uuid %s: %w", uuid, err)
	}
	return Ref(toString(value)), nil
}

// VDIUUID devolve o UUID do VDI.
func (s *Session) VDIUUID(vdi Ref) (string, error) {
	value, err := s.apiCall("VDI.get_uuid", string(vdi))
	if err != nil {
		return "", fmt.Errorf("xapi: VDI.get_uuid: %w", err)
	}
	return toString(value), nil
}

// VDIVirtualSize devolve o tamanho virtual do VDI em bytes.
func (s *Session) VDIVirtualSize(vdi Ref) (uint64, error) {
	value, err := s.apiCall("VDI.get_virtual_size", string(vdi))
	if err != nil {
		return 0, fmt.Errorf("xapi: VDI.get_virtual_size: %w", err)
	}
	return uint64(toInt64(value)), nil
}

// VDICBTEnabled reporta se CBT está habilitado no VDI.
func (s *Session) VDICBTEnabled(vdi Ref) (bool, error) {
	value, err := s.apiCall("VDI.get_cbt_enabled", string(vdi))
	if err != nil {
		return false, fmt.Errorf("xapi: VDI.get_cbt_enabled: %w", err)
	}
	return toBool(value), nil
}

// VDIEnableCBT liga o changed-block tracking no VDI.
func (s *Session) VDIEnableCBT(vdi Ref) error {
	if _, err := s.apiCall("VDI.enable_cbt", string(vdi)); err != nil {
		return fmt.Errorf("xapi: VDI.enable_cbt: %w", err)
	}
	return nil
}

// VDISnapshotOf devolve o VDI vivo do qual este snapshot foi tirado.
// A navegação de cadeia sempre passa pelo VDI vivo: o campo snapshots de
// um snapshot é vazio.
func (s *Session) VDISnapshotOf(vdi Ref) (Ref, error) {
	value, err := s.apiCall("VDI.get_snapshot_of", string(vdi))
	if err != nil {
		return "", fmt.Errorf("xapi: VDI.get_snapshot_of: %w", err)
	}
	return Ref(toString(value)), nil
}

// VDISnapshots lista os snapshots de um VDI vivo (conjunto sem ordem).
func (s *Session) VDISnapshots(vdi Ref) ([]Ref, error) {
	value, err := s.apiCall("VDI.get_snapshots", string(vdi))
	if err != nil {
		return nil, fmt.Errorf("xapi: VDI.get_snapshots: %w", err)
	}
	return toRefs(value), nil
}

// VDISnapshotTime devolve o instante do snapshot.
func (s *Session) VDISnapshotTime(vdi Ref) (time.Time, error) {
	value, err := s.apiCall("VDI.get_snapshot_time", string(vdi))
	if err != nil {
		return time.Time{}, fmt.Errorf("xapi: VDI.get_snapshot_time: %w", err)
	}
	return toTime(value), nil
}

// VDIListChangedBlocks devolve o bitmap CBT base64 entre dois snapshots
// do mesmo VDI vivo.
func (s *Session) VDIListChangedBlocks(from, to Ref) (string, error) {
	value, err := s.apiCall("VDI.list_changed_blocks", string(from), string(to))
	if err != nil {
		return "", fmt.Errorf("xapi: VDI.list_changed_blocks: %w", err)
	}
	return toString(value), nil
}

// VDINBDInfo devolve os endpoint records NBD pelos quais o VDI pode ser
// lido. A lista vem vazia quando nenhuma network permite NBD.
func (s *Session) VDINBDInfo(vdi Ref) ([]NBDInfo, error) {
	value, err := s.apiCall("VDI.get_nbd_info", string(vdi))
	if err != nil {
		return nil, fmt.Errorf("xapi: VDI.get_nbd_info: %w", err)
	}
	items, _ := value.([]any)
	infos := make([]NBDInfo, 0, len(items))
	for _, item := range items {
		record := toMap(item)
		infos = append(infos, NBDInfo{
			Address:    toString(record["address"]),
			Port:       int(toInt64(record["port"])),
			ExportName: toString(record["exportname"]),
			Subject:    toString(record["subject"]),
			Cert:       toString(record["cert"]),
		})
	}
	return infos, nil
}

// VDIDestroy remove o VDI e seus dados.
func (s *Session) VDIDestroy(vdi Ref) error {
	if _, err := s.apiCall("VDI.destroy", string(vdi)); err != nil {
		return fmt.Errorf("xapi: VDI.destroy: %w", err)
	}
	return nil
}

// VDIDataDestroy remove apenas os dados do snapshot, preservando o
// metadata CBT para increments futuros. Rejeitado enquanto algum VBD
// referencia o VDI.
func (s *Session) VDIDataDestroy(vdi Ref) error {
	if _, err := s.apiCall("VDI.data_destroy", string(vdi)); err != nil {
		return fmt.Errorf("xapi: VDI.data_destroy: %w", err)
	}
	return nil
}

// VDICreate cria um VDI de size bytes no SR dado (caminho de restore).
func (s *Session) VDICreate(sr Ref, nameLabel string, size uint64) (Ref, error) {
	record := map[string]any{
		"SR":           string(sr),
		"virtual_size": fmt.Sprintf("%d", size),
		"type":         "user",
		"sharable":     false,
		"read_only":    false,
		"other_config": map[string]any{},
		"name_label":   nameLabel,
	}
	value, err := s.apiCall("VDI.create", record)
	if err != nil {
		return "", fmt.Errorf("xapi: VDI.create: %w", err)
	}
	return Ref(toString(value)), nil
}

// AsyncVDIChecksum dispara o cálculo server-side do MD5 do VDI e devolve
// a task para polling.
func (s *Session) AsyncVDIChecksum(vdi Ref) (Ref, error) {
	value, err := s.apiCall("Async.VDI.checksum", string(vdi))
	if err != nil {
		return "", fmt.Errorf("xapi: Async.VDI.checksum: %w", err)
	}
	return Ref(toString(value)), nil
}

// SR e host

// SRByUUID resolve um SR pelo UUID.
func (s *Session) SRByUUID(uuid string) (Ref, error) {
	value, err := s.apiCall("SR.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("xapi: SR.get_by_uuid %s: %w", uuid, err)
	}
	return Ref(toString(value)), nil
}

// HostByUUID resolve um host pelo UUID.
func (s *Session) HostByUUID(uuid string) (Ref, error) {
	value, err := s.apiCall("host.get_by_uuid", uuid)
	if err != nil {
		return "", fmt.Errorf("xapi: host.get_by_uuid %s: %w", uuid, err)
	}
	return Ref(toString(value)), nil
}

// ThisHost devolve o host que atende esta sessão, ou NullRef quando a
// sessão não está presa a um host (slave login).
func (s *Session) ThisHost() (Ref, error) {
	value, err := s.apiCall("session.get_this_host", string(s.ref))
	if err != nil {
		return "", fmt.Errorf("xapi: session.get_this_host: %w", err)
	}
	return Ref(toString(value)), nil
}

// HostAddress devolve o endereço anunciado do host.
func (s *Session) HostAddress(host Ref) (string, error) {
	value, err := s.apiCall("host.get_address", string(host))
	if err != nil {
		return "", fmt.Errorf("xapi: host.get_address: %w", err)
	}
	return toString(value), nil
}

// HostHostname devolve o hostname anunciado do host, usado no binding TLS
// dos endpoints HTTP (pode diferir do endereço da URL).
func (s *Session) HostHostname(host Ref) (string, error) {
	value, err := s.apiCall("host.get_hostname", string(host))
	if err != nil {
		return "", fmt.Errorf("xapi: host.get_hostname: %w", err)
	}
	return toString(value), nil
}

// HostServerCertificate devolve o certificado PEM do host.
func (s *Session) HostServerCertificate(host Ref) (string, error) {
	value, err := s.apiCall("host.get_server_certificate", string(host))
	if err != nil {
		return "", fmt.Errorf("xapi: host.get_server_certificate: %w", err)
	}
	return toString(value), nil
}
