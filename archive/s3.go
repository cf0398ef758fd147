/*
Copyright (C) 2026  corewal contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package archive implements the cold-storage tier: a background uploader
// that copies finalized (non-.inprogress) segment and snapshot files to an
// S3-compatible bucket once they are no longer needed for local recovery.
// It is write-behind only; nothing in this module ever reads an object
// back out of the bucket.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/corewal/corewal/xlog"
)

// Config describes the bucket an archiver writes to.
type Config struct {
	Bucket                 string
	Prefix                 string
	Region                 string
	Endpoint               string // non-empty for S3-compatible stores other than AWS
	AccessKeyID            string
	SecretAccessKey        string
	ForcePathStyle         bool
	DeleteLocalAfterUpload bool
}

// Archiver periodically scans a directory and uploads every finalized
// entry with signature <= its retention threshold that has not yet been
// uploaded (tracked in-memory; a restart re-uploads already-archived files,
// which is harmless since PutObject is an overwrite).
type Archiver struct {
	cfg    Config
	client *s3.Client
	logger *log.Logger

	uploaded map[string]bool
}

// New builds an Archiver and eagerly resolves AWS credentials/config,
// mirroring the teacher's persistence-s3.go ensureOpen pattern but done
// once up front since an archiver's lifetime is the whole process, not a
// lazily opened per-schema handle.
func New(ctx context.Context, cfg Config, logger *log.Logger) (*Archiver, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "archive: ", log.LstdFlags)
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &Archiver{
		cfg:      cfg,
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		logger:   logger,
		uploaded: make(map[string]bool),
	}, nil
}

func (a *Archiver) key(signature int64, ft xlog.FileType) string {
	name := fmt.Sprintf("%020d", signature)
	if a.cfg.Prefix != "" {
		return a.cfg.Prefix + "/" + string(ft) + "/" + name
	}
	return string(ft) + "/" + name
}

// UploadEntry uploads one finalized entry's bytes to the bucket, then (if
// configured) removes the local copy. It is idempotent: re-uploading an
// already-archived entry just overwrites the object.
func (a *Archiver) UploadEntry(ctx context.Context, e xlog.DirEntry) error {
	if e.Inprogress {
		return fmt.Errorf("archive: refusing to archive an in-progress file %s", e.Path)
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", e.Path, err)
	}
	key := a.key(e.Signature, e.FileType)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("archive: uploading %s: %w", e.Path, err)
	}
	a.uploaded[e.Path] = true

	if a.cfg.DeleteLocalAfterUpload {
		if err := os.Remove(e.Path); err != nil {
			return fmt.Errorf("archive: removing local copy %s after upload: %w", e.Path, err)
		}
	}
	return nil
}

// RetentionFunc reports whether an entry is eligible for archival (and
// possibly local deletion): signature <= first_dump_lsn, per spec §4.5's
// "Snapshot" paragraph on WAL garbage collection eligibility.
type RetentionFunc func(xlog.DirEntry) bool

// Run periodically scans dir and uploads every eligible, not-yet-uploaded
// entry, until ctx is canceled.
func (a *Archiver) Run(ctx context.Context, dir *xlog.Directory, eligible RetentionFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx, dir, eligible)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context, dir *xlog.Directory, eligible RetentionFunc) {
	for _, e := range dir.Entries() {
		if e.Inprogress || a.uploaded[e.Path] || !eligible(e) {
			continue
		}
		if err := a.UploadEntry(ctx, e); err != nil {
			a.logger.Printf("sweep %s: %v", filepath.Base(e.Path), err)
		}
	}
}
