// Package archive persists snapshots of anchored credentials to object
// storage. Snapshots are written after an attestation reaches a terminal
// lifecycle state and serve as an audit trail independent of the database.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/attestation"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	contentType = "application/json"

	defaultMaxSnapshotSize int64 = 1 << 20
)

var (
	ErrInvalidConfig   = errors.New("archive: invalid config")
	ErrInvalidSnapshot = errors.New("archive: invalid snapshot")
	ErrNotFound        = errors.New("archive: not found")
	ErrTooLarge        = errors.New("archive: snapshot too large")
)

// Snapshot is the durable record written when an attestation is anchored or
// revoked.
type Snapshot struct {
	RequestID  uuid.UUID              `json:"requestId"`
	Claimer    string                 `json:"claimer"`
	CTypeHash  string                 `json:"cTypeHash"`
	Credential attestation.Credential `json:"credential"`
	Revoked    bool                   `json:"revoked"`

	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`

	ArchivedAt time.Time `json:"archivedAt"`
}

func (s Snapshot) validate() error {
	if s.RequestID == (uuid.UUID{}) {
		return fmt.Errorf("%w: missing request id", ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.Claimer) == "" {
		return fmt.Errorf("%w: missing claimer", ErrInvalidSnapshot)
	}
	if strings.TrimSpace(s.TxHash) == "" {
		return fmt.Errorf("%w: missing tx hash", ErrInvalidSnapshot)
	}
	return nil
}

// Archive stores credential snapshots keyed by request id. Save overwrites:
// a revocation snapshot replaces the approval snapshot for the same request.
type Archive interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, requestID uuid.UUID) (Snapshot, error)
	Exists(ctx context.Context, requestID uuid.UUID) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxSnapshotSize bounds bytes read by Load. Defaults to 1 MiB when <= 0.
	MaxSnapshotSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return newMemoryArchive(cfg.Prefix), nil
	case DriverS3:
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "attestation-requests"
	}
	return prefix
}

func snapshotKey(prefix string, requestID uuid.UUID) string {
	return prefix + "/" + requestID.String() + ".json"
}

type memoryArchive struct {
	mu     sync.RWMutex
	prefix string
	snaps  map[string][]byte
}

func newMemoryArchive(prefix string) Archive {
	return &memoryArchive{
		prefix: normalizePrefix(prefix),
		snaps:  make(map[string][]byte),
	}
}

func (m *memoryArchive) Save(_ context.Context, snap Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: marshal snapshot: %w", err)
	}
	key := snapshotKey(m.prefix, snap.RequestID)
	m.mu.Lock()
	m.snaps[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) Load(_ context.Context, requestID uuid.UUID) (Snapshot, error) {
	key := snapshotKey(m.prefix, requestID)
	m.mu.RLock()
	data, ok := m.snaps[key]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("archive: unmarshal snapshot %s: %w", requestID, err)
	}
	return snap, nil
}

func (m *memoryArchive) Exists(_ context.Context, requestID uuid.UUID) (bool, error) {
	key := snapshotKey(m.prefix, requestID)
	m.mu.RLock()
	_, ok := m.snaps[key]
	m.mu.RUnlock()
	return ok, nil
}

type s3Archive struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxSize := cfg.MaxSnapshotSize
	if maxSize <= 0 {
		maxSize = defaultMaxSnapshotSize
	}
	return &s3Archive{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		maxSize: maxSize,
	}, nil
}

func (s *s3Archive) Save(ctx context.Context, snap Snapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: marshal snapshot: %w", err)
	}
	key := snapshotKey(s.prefix, snap.RequestID)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"claimer": snap.Claimer,
			"txhash":  snap.TxHash,
		},
	})
	if err != nil {
		return fmt.Errorf("archive/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Archive) Load(ctx context.Context, requestID uuid.UUID) (Snapshot, error) {
	key := snapshotKey(s.prefix, requestID)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return Snapshot{}, fmt.Errorf("archive/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	limited := io.LimitReader(out.Body, s.maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return Snapshot{}, fmt.Errorf("archive/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return Snapshot{}, fmt.Errorf("%w: %s exceeds max %d bytes", ErrTooLarge, requestID, s.maxSize)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("archive/s3: unmarshal %q: %w", key, err)
	}
	return snap, nil
}

func (s *s3Archive) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	key := snapshotKey(s.prefix, requestID)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive/s3: head %q: %w", key, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
