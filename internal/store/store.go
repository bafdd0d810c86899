// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store gerencia o layout on-disk dos backups:
//
//	<root>/
//	  <vm_uuid>/
//	    <timestamp>/
//	      VM_metadata
//	      vdis/
//	        <snapshot_vdi_uuid>/
//	          original_uuid
//	          data
//
// Timestamps usam o formato YYYYMMDDTHHMMSSZ, ordenável lexicograficamente.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TimestampFormat é o formato dos diretórios de backup (UTC).
const TimestampFormat = "20060102T150405Z"

// metadataFile é o nome do arquivo de metadata do VM dentro do backup.
const metadataFile = "VM_metadata"

// DataFile é o nome da imagem raw de cada VDI.
const DataFile = "data"

// originalUUIDFile registra o UUID do VDI vivo que foi snapshotado.
const originalUUIDFile = "original_uuid"

// Store é a raiz do repositório local de backups.
type Store struct {
	root string
}

// Open cria (se necessário) e abre a raiz de backups.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("store: creating backup root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root devolve o caminho da raiz.
func (s *Store) Root() string {
	return s.root
}

// vmDir devolve o diretório de backups de um VM.
func (s *Store) vmDir(vmUUID string) string {
	return filepath.Join(s.root, vmUUID)
}

// BackupDir é um diretório de backup <vm>/<timestamp> em construção ou
// já commitado. O diretório é de propriedade exclusiva do backup ativo.
type BackupDir struct {
	path      string
	vmUUID    string
	timestamp string
}

// Begin cria o diretório <vm>/<timestamp> para um novo backup. O caller
// deve chamar Discard em qualquer falha para manter a atomicidade do
// lifecycle (o diretório inteiro some em exceção).
func (s *Store) Begin(vmUUID string, now time.Time) (*BackupDir, error) {
	timestamp := now.UTC().Format(TimestampFormat)
	path := filepath.Join(s.vmDir(vmUUID), timestamp)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("store: backup directory %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Join(path, "vdis"), 0755); err != nil {
		return nil, fmt.Errorf("store: creating backup directory: %w", err)
	}
	return &BackupDir{path: path, vmUUID: vmUUID, timestamp: timestamp}, nil
}

// At abre um backup existente pelo timestamp (caminho de restore).
func (s *Store) At(vmUUID, timestamp string) (*BackupDir, error) {
	path := filepath.Join(s.vmDir(vmUUID), timestamp)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("store: backup %s/%s not found", vmUUID, timestamp)
	}
	return &BackupDir{path: path, vmUUID: vmUUID, timestamp: timestamp}, nil
}

// Path devolve o caminho do diretório de backup.
func (b *BackupDir) Path() string {
	return b.path
}

// Timestamp devolve o timestamp do backup.
func (b *BackupDir) Timestamp() string {
	return b.timestamp
}

// MetadataPath devolve o caminho do arquivo VM_metadata.
func (b *BackupDir) MetadataPath() string {
	return filepath.Join(b.path, metadataFile)
}

// WriteMetadata grava o export de metadata do VM.
func (b *BackupDir) WriteMetadata(data []byte) error {
	if err := os.WriteFile(b.MetadataPath(), data, 0644); err != nil {
		return fmt.Errorf("store: writing VM metadata: %w", err)
	}
	return nil
}

// AddVDI cria o diretório vdis/<snapshotUUID> registrando o UUID do VDI
// vivo de origem, e devolve o caminho do arquivo data a ser preenchido.
func (b *BackupDir) AddVDI(snapshotUUID, originalUUID string) (string, error) {
	dir := filepath.Join(b.path, "vdis", snapshotUUID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("store: creating VDI directory: %w", err)
	}
	uuidLine := originalUUID + "\n"
	if err := os.WriteFile(filepath.Join(dir, originalUUIDFile), []byte(uuidLine), 0644); err != nil {
		return "", fmt.Errorf("store: writing original_uuid: %w", err)
	}
	return filepath.Join(dir, DataFile), nil
}

// VDIEntry descreve um VDI dentro de um backup commitado.
type VDIEntry struct {
	SnapshotUUID string
	OriginalUUID string
	DataPath     string
}

// VDIs lista os VDIs de um backup.
func (b *BackupDir) VDIs() ([]VDIEntry, error) {
	vdisDir := filepath.Join(b.path, "vdis")
	entries, err := os.ReadDir(vdisDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing VDI directories: %w", err)
	}
	vdis := make([]VDIEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(vdisDir, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, originalUUIDFile))
		if err != nil {
			return nil, fmt.Errorf("store: reading original_uuid of %s: %w", entry.Name(), err)
		}
		vdis = append(vdis, VDIEntry{
			SnapshotUUID: entry.Name(),
			OriginalUUID: strings.TrimSpace(string(raw)),
			DataPath:     filepath.Join(dir, DataFile),
		})
	}
	return vdis, nil
}

// Discard remove o diretório de backup inteiro (rollback em falha).
func (b *BackupDir) Discard() error {
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("store: discarding backup directory: %w", err)
	}
	return nil
}

// Timestamps lista os backups de um VM em ordem lexicográfica crescente
// (mais antigo primeiro). VM sem backups devolve lista vazia.
func (s *Store) Timestamps(vmUUID string) ([]string, error) {
	entries, err := os.ReadDir(s.vmDir(vmUUID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: listing backups of %s: %w", vmUUID, err)
	}
	timestamps := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			timestamps = append(timestamps, entry.Name())
		}
	}
	sort.Strings(timestamps)
	return timestamps, nil
}

// FindVDIData procura em todos os backups do VM o data file do snapshot
// VDI dado (match por UUID). É a metade local do chain lookup: o backup
// incremental só pode usar como base um snapshot que exista aqui.
func (s *Store) FindVDIData(vmUUID, snapshotUUID string) (string, bool) {
	timestamps, err := s.Timestamps(vmUUID)
	if err != nil {
		return "", false
	}
	// Do mais novo para o mais antigo: em caso de duplicata, o backup
	// mais recente vence.
	for i := len(timestamps) - 1; i >= 0; i-- {
		path := filepath.Join(s.vmDir(vmUUID), timestamps[i], "vdis", snapshotUUID, DataFile)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Rotate remove os backups mais antigos de um VM, mantendo os keep mais
// recentes. keep <= 0 desabilita a rotação.
func (s *Store) Rotate(vmUUID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	timestamps, err := s.Timestamps(vmUUID)
	if err != nil {
		return err
	}
	if len(timestamps) <= keep {
		return nil
	}
	for _, timestamp := range timestamps[:len(timestamps)-keep] {
		path := filepath.Join(s.vmDir(vmUUID), timestamp)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("store: removing old backup %s: %w", path, err)
		}
	}
	return nil
}
