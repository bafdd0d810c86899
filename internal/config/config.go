// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida o arquivo YAML de configuração do
// cbt-backup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do cbt-backup.
type Config struct {
	Master  MasterInfo  `yaml:"master"`
	TLS     TLSInfo     `yaml:"tls"`
	Backup  BackupInfo  `yaml:"backup"`
	VMs     []VMEntry   `yaml:"vms"`
	Offsite OffsiteInfo `yaml:"offsite"`
	Logging LoggingInfo `yaml:"logging"`
}

// MasterInfo identifica o pool master e as credenciais da API.
type MasterInfo struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TLSInfo controla o uso de TLS no canal NBD e nos endpoints HTTP do host.
type TLSInfo struct {
	Enabled *bool `yaml:"enabled"` // default true
}

// UseTLS devolve o valor efetivo.
func (t TLSInfo) UseTLS() bool {
	return t.Enabled == nil || *t.Enabled
}

// BackupInfo contém os parâmetros do repositório local e dos downloads.
type BackupInfo struct {
	Root           string        `yaml:"root"`            // default ~/.cbt_backups
	Keep           int           `yaml:"keep"`            // 0 = sem rotação
	IOSize         string        `yaml:"io_size"`         // ex: "4mb"
	IOSizeRaw      int64         `yaml:"-"`               // valor parseado em bytes
	BandwidthLimit string        `yaml:"bandwidth_limit"` // ex: "50mb" por segundo; vazio desabilita
	BandwidthRaw   int64         `yaml:"-"`
	Timeout        time.Duration `yaml:"timeout"` // timeout de socket NBD
}

// VMEntry representa um VM a proteger, com schedule opcional para o modo
// daemon.
type VMEntry struct {
	UUID     string `yaml:"uuid"`
	Schedule string `yaml:"schedule"`
}

// OffsiteInfo configura a replicação opcional dos backups para S3.
type OffsiteInfo struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // opcional, para S3 compatível
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load lê e valida o arquivo YAML de configuração.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Master.Address == "" {
		return fmt.Errorf("master.address is required")
	}
	if c.Master.Username == "" {
		return fmt.Errorf("master.username is required")
	}
	if c.Master.Password == "" {
		return fmt.Errorf("master.password is required")
	}

	if len(c.VMs) == 0 {
		return fmt.Errorf("vms must have at least one entry")
	}
	for i, vm := range c.VMs {
		if vm.UUID == "" {
			return fmt.Errorf("vms[%d].uuid is required", i)
		}
		if _, err := uuid.Parse(vm.UUID); err != nil {
			return fmt.Errorf("vms[%d].uuid is not a valid UUID: %w", i, err)
		}
	}

	if c.Backup.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("backup.root not set and home directory unknown: %w", err)
		}
		c.Backup.Root = filepath.Join(home, ".cbt_backups")
	}
	if c.Backup.Keep < 0 {
		return fmt.Errorf("backup.keep must not be negative, got %d", c.Backup.Keep)
	}

	if c.Backup.IOSize == "" {
		c.Backup.IOSize = "4mb"
	}
	ioSize, err := ParseByteSize(c.Backup.IOSize)
	if err != nil {
		return fmt.Errorf("backup.io_size: %w", err)
	}
	if ioSize < 64*1024 {
		return fmt.Errorf("backup.io_size must be at least 64kb, got %s", c.Backup.IOSize)
	}
	if ioSize > 64*1024*1024 {
		return fmt.Errorf("backup.io_size must be at most 64mb, got %s", c.Backup.IOSize)
	}
	c.Backup.IOSizeRaw = ioSize

	if c.Backup.BandwidthLimit != "" {
		bw, err := ParseByteSize(c.Backup.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("backup.bandwidth_limit: %w", err)
		}
		c.Backup.BandwidthRaw = bw
	}

	if c.Backup.Timeout <= 0 {
		c.Backup.Timeout = 60 * time.Second
	}

	if c.Offsite.Enabled {
		if c.Offsite.Bucket == "" {
			return fmt.Errorf("offsite.bucket is required when offsite.enabled")
		}
		if c.Offsite.Region == "" && c.Offsite.Endpoint == "" {
			return fmt.Errorf("offsite.region or offsite.endpoint is required when offsite.enabled")
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// VM devolve a entry do UUID dado.
func (c *Config) VM(uuid string) (VMEntry, bool) {
	for _, vm := range c.VMs {
		if strings.EqualFold(vm.UUID, uuid) {
			return vm, true
		}
	}
	return VMEntry{}, false
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
