// Package archive ships finished records to S3-compatible object storage.
// Archival is best-effort and off the critical path: a failed upload is
// logged and retried never, because the canonical record lives in SQLite.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/task"
)

// Archive uploads terminal task ledgers and decided approval requests.
type Archive struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		logger: log.WithComponent("archive"),
	}, nil
}

// taskRecord is the archived shape of one finished task and its ledger.
type taskRecord struct {
	Task       *task.Task    `json:"task"`
	Steps      []ledger.Step `json:"steps"`
	ArchivedAt time.Time     `json:"archived_at"`
}

// ArchiveTask uploads a terminal task with its full step ledger.
func (a *Archive) ArchiveTask(ctx context.Context, t *task.Task, steps []ledger.Step) error {
	name := TaskObjectName(t.ID, t.UpdatedAt)
	if err := a.put(ctx, name, taskRecord{Task: t, Steps: steps, ArchivedAt: time.Now().UTC()}); err != nil {
		return err
	}
	a.logger.Info("task archived", "task_id", t.ID, "object", name)
	return nil
}

// ArchiveApproval uploads one decided or expired approval request.
func (a *Archive) ArchiveApproval(ctx context.Context, req *approval.Request) error {
	name := ApprovalObjectName(req.ID, req.CreatedAt)
	if err := a.put(ctx, name, req); err != nil {
		return err
	}
	a.logger.Info("approval archived", "request_id", req.ID, "object", name)
	return nil
}

func (a *Archive) put(ctx context.Context, name string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive object: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, name,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// TaskObjectName keys task records by day so buckets stay browsable.
func TaskObjectName(taskID string, at time.Time) string {
	return fmt.Sprintf("tasks/%s/%s.json", at.UTC().Format("2006-01-02"), taskID)
}

// ApprovalObjectName keys approval records by day.
func ApprovalObjectName(requestID string, at time.Time) string {
	return fmt.Sprintf("approvals/%s/%s.json", at.UTC().Format("2006-01-02"), requestID)
}
