// Package archive writes immutable audit documents for batches that reached a
// terminal status to an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

// ErrNotTerminal is returned when archiving a batch that can still change
var ErrNotTerminal = errors.New("batch is not in a terminal status")

// Config holds the bucket location and optional static credentials
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for MinIO and other S3-compatible stores
	PathStyle       bool
	AccessKeyID     string // optional, falls back to the default credential chain
	SecretAccessKey string
}

// Document is the archived form of a batch: its final state, the full
// custody history and the verification report of that history.
type Document struct {
	Batch        ledger.BatchSnapshot  `json:"batch"`
	Events       []ledger.CustodyEvent `json:"events"`
	Verification ledger.Verification   `json:"verification"`
	ArchivedAt   time.Time             `json:"archived_at"`
}

// Archiver builds and stores audit documents
type Archiver struct {
	client *s3.Client
	bucket string
	query  *ledger.Query
	now    func() time.Time
	logger *zap.Logger
}

// New creates an archiver from Config using the AWS default config chain
func New(ctx context.Context, cfg Config, query *ledger.Query, logger *zap.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, query, logger), nil
}

// NewWithClient creates an archiver over an existing S3 client
func NewWithClient(client *s3.Client, bucket string, query *ledger.Query, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: bucket,
		query:  query,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// ObjectKey returns the object key of the document archived at sequence
func ObjectKey(batchID string, sequence uint64) string {
	return "batches/" + batchID + "/" + strconv.FormatUint(sequence, 10) + ".json"
}

// ArchiveBatch verifies the batch history and stores it under
// batches/<batch_id>/<head sequence>.json. Objects are never overwritten:
// archiving the same batch twice returns the existing key with created=false.
func (a *Archiver) ArchiveBatch(ctx context.Context, batchID string) (key string, created bool, err error) {
	report, err := a.query.Verify(ctx, batchID)
	if err != nil {
		return "", false, fmt.Errorf("verify %s: %w", batchID, err)
	}
	if !report.Status.IsTerminal() {
		return "", false, fmt.Errorf("%w: %s is %s", ErrNotTerminal, batchID, report.Status)
	}

	snapshot, err := a.query.GetBatch(ctx, batchID)
	if err != nil {
		return "", false, err
	}
	history, err := a.query.GetHistory(ctx, batchID)
	if err != nil {
		return "", false, err
	}
	events, err := ledger.CollectHistory(history)
	if err != nil {
		return "", false, err
	}

	doc := Document{Batch: snapshot, Events: events, Verification: report, ArchivedAt: a.now()}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("marshal archive document: %w", err)
	}

	key = ObjectKey(batchID, report.HeadSequence)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"batch-id": batchID,
			"tx-hash":  report.HeadHash.Hex(),
		},
	})
	if err != nil {
		if isPreconditionFailed(err) {
			a.logger.Debug("Batch already archived", zap.String("key", key))
			return key, false, nil
		}
		return "", false, fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.Info("Batch archived",
		zap.String("batch_id", batchID),
		zap.String("key", key),
		zap.Int("events", len(events)))
	return key, true, nil
}

// Fetch reads an archived document back; a missing object is ledger.ErrNotFound
func (a *Archiver) Fetch(ctx context.Context, batchID string, sequence uint64) (Document, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(ObjectKey(batchID, sequence)),
	})
	if err != nil {
		if apiErrorCode(err) == "NoSuchKey" {
			return Document{}, fmt.Errorf("%w: archive %s/%d", ledger.ErrNotFound, batchID, sequence)
		}
		return Document{}, fmt.Errorf("get archive %s/%d: %w", batchID, sequence, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return Document{}, fmt.Errorf("read archive %s/%d: %w", batchID, sequence, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode archive %s/%d: %w", batchID, sequence, err)
	}
	return doc, nil
}

func isPreconditionFailed(err error) bool {
	return apiErrorCode(err) == "PreconditionFailed"
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
