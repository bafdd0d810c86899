// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package offsite replica diretórios de backup concluídos para um bucket
// S3 (ou compatível). A cópia local continua sendo a fonte de verdade;
// falhas de replicação não invalidam o backup.
package offsite

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/cbt-backup/internal/config"
)

// Uploader replica backups para um bucket.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader monta o client S3 a partir da configuração offsite.
// Credenciais estáticas quando fornecidas, senão a chain padrão do SDK.
func NewUploader(ctx context.Context, cfg config.OffsiteInfo, logger *slog.Logger) (*Uploader, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("offsite: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "offsite", "bucket", cfg.Bucket),
	}, nil
}

// UploadBackup sobe todos os arquivos de um diretório de backup para
// s3://bucket/prefix/<vm>/<timestamp>/..., preservando os caminhos
// relativos.
func (u *Uploader) UploadBackup(ctx context.Context, localDir, vmUUID, timestamp string) error {
	u.logger.Info("replicating backup", "vm", vmUUID, "timestamp", timestamp)

	var uploaded int
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := path.Join(u.prefix, vmUUID, timestamp, filepath.ToSlash(rel))
		if err := u.putFile(ctx, p, key); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("offsite: replicating %s: %w", localDir, err)
	}

	u.logger.Info("replication complete", "vm", vmUUID, "timestamp", timestamp, "objects", uploaded)
	return nil
}

func (u *Uploader) putFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	u.logger.Debug("object uploaded", "key", key, "bytes", info.Size())
	return nil
}
