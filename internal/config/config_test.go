// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
master:
  address: "pool-master.lab"
  username: "root"
  password: "secret"
backup:
  root: "/var/lib/cbt-backups"
vms:
  - uuid: "8f0a4a9e-5e3a-4a2b-9c1d-2f35ad8e1a01"
    schedule: "0 2 * * *"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Master.Address != "pool-master.lab" {
		t.Errorf("unexpected master address %q", cfg.Master.Address)
	}
	if !cfg.TLS.UseTLS() {
		t.Errorf("expected TLS enabled by default")
	}
	if cfg.Backup.IOSizeRaw != 4*1024*1024 {
		t.Errorf("expected default io_size 4mb, got %d", cfg.Backup.IOSizeRaw)
	}
	if cfg.Backup.Timeout != 60*time.Second {
		t.Errorf("expected default timeout 60s, got %v", cfg.Backup.Timeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}

	if _, ok := cfg.VM("8F0A4A9E-5E3A-4A2B-9C1D-2F35AD8E1A01"); !ok {
		t.Errorf("expected case-insensitive VM lookup to succeed")
	}
}

func TestLoad_TLSDisabled(t *testing.T) {
	content := strings.Replace(validConfig, "backup:", "tls:\n  enabled: false\nbackup:", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLS.UseTLS() {
		t.Errorf("expected TLS disabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"missing master address",
			func(c string) string { return strings.Replace(c, `address: "pool-master.lab"`, `address: ""`, 1) },
			"master.address",
		},
		{
			"missing username",
			func(c string) string { return strings.Replace(c, `username: "root"`, `username: ""`, 1) },
			"master.username",
		},
		{
			"missing password",
			func(c string) string { return strings.Replace(c, `password: "secret"`, `password: ""`, 1) },
			"master.password",
		},
		{
			"no vms",
			func(c string) string { return c[:strings.Index(c, "vms:")] + "vms: []\n" },
			"vms must have",
		},
		{
			"invalid vm uuid",
			func(c string) string {
				return strings.Replace(c, "8f0a4a9e-5e3a-4a2b-9c1d-2f35ad8e1a01", "not-a-uuid", 1)
			},
			"not a valid UUID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validConfig)))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_IOSizeBounds(t *testing.T) {
	tooSmall := validConfig + "\n"
	tooSmall = strings.Replace(tooSmall, `root: "/var/lib/cbt-backups"`,
		"root: \"/var/lib/cbt-backups\"\n  io_size: \"4kb\"", 1)
	if _, err := Load(writeConfig(t, tooSmall)); err == nil {
		t.Errorf("expected error for io_size below 64kb")
	}

	tooBig := strings.Replace(validConfig, `root: "/var/lib/cbt-backups"`,
		"root: \"/var/lib/cbt-backups\"\n  io_size: \"128mb\"", 1)
	if _, err := Load(writeConfig(t, tooBig)); err == nil {
		t.Errorf("expected error for io_size above 64mb")
	}
}

func TestLoad_OffsiteValidation(t *testing.T) {
	noBucket := strings.Replace(validConfig, "vms:",
		"offsite:\n  enabled: true\nvms:", 1)
	if _, err := Load(writeConfig(t, noBucket)); err == nil {
		t.Errorf("expected error for offsite without bucket")
	}

	ok := strings.Replace(validConfig, "vms:",
		"offsite:\n  enabled: true\n  bucket: \"backups\"\n  region: \"us-east-1\"\nvms:", 1)
	cfg, err := Load(writeConfig(t, ok))
	if err != nil {
		t.Fatalf("Load with offsite: %v", err)
	}
	if !cfg.Offsite.Enabled || cfg.Offsite.Bucket != "backups" {
		t.Errorf("unexpected offsite config: %+v", cfg.Offsite)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"4mb", 4 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"64kb", 64 * 1024, false},
		{"512b", 512, false},
		{"1048576", 1048576, false},
		{" 2MB ", 2 * 1024 * 1024, false},
		{"", 0, true},
		{"abcmb", 0, true},
		{"12xyz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseByteSize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseByteSize(%q): expected %d, got %d", tt.in, tt.want, got)
			}
		})
	}
}
