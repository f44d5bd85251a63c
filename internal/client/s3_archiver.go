package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes terminal requests and their decisions to paths like:
//
//	s3://<bucket>/<prefix>/approvals/<tenant>/YYYY/MM/DD/<requestID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver creates an S3Archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

type archiveDocument struct {
	Request    *repository.ApprovalRequest  `json:"request"`
	Actions    []*repository.ApprovalAction `json:"actions"`
	ArchivedAt time.Time                    `json:"archived_at"`
}

// Archive uploads req and actions as one JSON document.
func (a *S3Archiver) Archive(ctx context.Context, req *repository.ApprovalRequest, actions []*repository.ApprovalAction) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	body, err := json.Marshal(archiveDocument{Request: req, Actions: actions, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(a.ObjectKey(req)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// ObjectKey returns the key req is archived under, partitioned by the day it
// completed.
func (a *S3Archiver) ObjectKey(req *repository.ApprovalRequest) string {
	ts := req.UpdatedAt
	if req.CompletedAt != nil {
		ts = *req.CompletedAt
	}
	year, month, day := ts.UTC().Date()
	return path.Join(a.prefix, "approvals", req.TenantID,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		req.ID+".json",
	)
}
