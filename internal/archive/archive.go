// Package archive persists emitted segments as WAV files for audit. Segments
// are spooled to local disk and, depending on the storage mode, uploaded to
// S3-compatible storage. Archiving is best effort: failures are logged and
// never propagate to the dispatch pipeline.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/voxkit/capture/internal/capture"
	"github.com/voxkit/capture/internal/eventlog"
)

// StorageMode selects where archived segments live.
type StorageMode string

const (
	StorageLocal StorageMode = "local"
	StorageS3    StorageMode = "s3"
	StorageBoth  StorageMode = "both"
)

// keyPrefix is the object key namespace for archived segments.
const keyPrefix = "segments"

// uploadTimeout bounds a single S3 PutObject.
const uploadTimeout = 2 * time.Minute

// S3Config holds S3-compatible storage credentials and target.
type S3Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// IsConfigured reports whether the S3 settings are usable.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Config holds archive settings.
type Config struct {
	StorageMode   StorageMode
	LocalPath     string
	RetentionDays int // 0 keeps files forever
	S3            S3Config
}

// Archive writes segments to disk and uploads them. It implements the
// dispatch Archiver contract: Archive never returns an error to the caller.
type Archive struct {
	cfg    Config
	events *eventlog.Logger

	mu       sync.Mutex
	s3Client *s3.Client

	cleanupStopCh chan struct{}
	cleanupOnce   sync.Once
}

// New creates an archive and starts its retention cleanup scheduler.
func New(cfg Config, events *eventlog.Logger) *Archive {
	a := &Archive{
		cfg:           cfg,
		events:        events,
		cleanupStopCh: make(chan struct{}),
	}
	if cfg.RetentionDays > 0 {
		go a.cleanupScheduler()
	}
	return a
}

// Close stops the cleanup scheduler. Idempotent.
func (a *Archive) Close() {
	a.cleanupOnce.Do(func() { close(a.cleanupStopCh) })
}

// VerifyConnection checks that the configured S3 bucket is reachable and
// writable. Storage modes without S3 have nothing to verify and pass.
func (a *Archive) VerifyConnection() error {
	if a.cfg.StorageMode == StorageLocal {
		return nil
	}
	return TestS3Connection(&a.cfg.S3)
}

// Archive spools the segment to a local WAV file and uploads it per the
// storage mode. Errors are logged; the dispatch pipeline is never affected.
func (a *Archive) Archive(ctx context.Context, seg *capture.Segment) {
	localPath := a.localPathFor(seg)

	if err := writeWAV(localPath, seg); err != nil {
		slog.Error("failed to spool segment", "segment_id", seg.ID, "error", err)
		a.logEvent(eventlog.ArchiveFailed, seg, "", err.Error())
		return
	}

	if a.cfg.StorageMode == StorageLocal {
		slog.Debug("segment archived locally", "segment_id", seg.ID, "path", localPath)
		a.logEvent(eventlog.ArchiveUploaded, seg, localPath, "")
		return
	}

	a.upload(ctx, seg, localPath)
}

// localPathFor builds the spool path, mirroring the object key layout.
func (a *Archive) localPathFor(seg *capture.Segment) string {
	day := seg.StartTime.UTC().Format("2006/01/02")
	return filepath.Join(a.cfg.LocalPath, keyPrefix, day, seg.ID+".wav")
}

// keyFor builds the object key: segments/YYYY/MM/DD/<id>.wav.
func keyFor(seg *capture.Segment) string {
	day := seg.StartTime.UTC().Format("2006/01/02")
	return fmt.Sprintf("%s/%s/%s.wav", keyPrefix, day, seg.ID)
}

// upload sends the spooled WAV to S3 and removes the local copy in S3-only
// mode.
func (a *Archive) upload(ctx context.Context, seg *capture.Segment, localPath string) {
	if !a.cfg.S3.IsConfigured() {
		slog.Warn("storage mode requires S3 but it is not configured", "mode", a.cfg.StorageMode)
		return
	}

	client, err := a.getOrCreateS3Client()
	if err != nil {
		slog.Error("failed to create S3 client", "error", err)
		a.logEvent(eventlog.ArchiveFailed, seg, keyFor(seg), err.Error())
		return
	}

	info, err := os.Stat(localPath)
	if err != nil {
		slog.Error("failed to stat spooled segment", "path", localPath, "error", err)
		return
	}

	file, err := os.Open(localPath)
	if err != nil {
		slog.Error("failed to open spooled segment", "path", localPath, "error", err)
		return
	}
	defer func() { _ = file.Close() }()

	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	key := keyFor(seg)
	_, err = client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		slog.Error("segment upload failed", "segment_id", seg.ID, "s3_key", key, "error", err)
		a.logEvent(eventlog.ArchiveFailed, seg, key, err.Error())
		return
	}

	slog.Info("segment archived", "segment_id", seg.ID, "s3_key", key)
	a.logEvent(eventlog.ArchiveUploaded, seg, key, "")

	if a.cfg.StorageMode == StorageS3 {
		if err := os.Remove(localPath); err != nil {
			slog.Warn("failed to delete spooled segment after upload", "path", localPath, "error", err)
		}
	}
}

func (a *Archive) logEvent(eventType eventlog.EventType, seg *capture.Segment, key, errMsg string) {
	if err := a.events.LogSegment(eventType, &eventlog.SegmentDetails{
		SegmentID:  seg.ID,
		DurationMs: seg.Duration.Milliseconds(),
		SizeBytes:  seg.ByteSize(),
		Reason:     key,
		Error:      errMsg,
	}); err != nil {
		slog.Warn("failed to log archive event", "error", err)
	}
}

// getOrCreateS3Client lazily builds the S3 client.
func (a *Archive) getOrCreateS3Client() (*s3.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.s3Client != nil {
		return a.s3Client, nil
	}

	client, err := newS3Client(&a.cfg.S3)
	if err != nil {
		return nil, err
	}
	a.s3Client = client
	return client, nil
}

// newS3Client creates an S3 client with static credentials. Region "auto"
// plus path-style addressing keeps S3-compatible providers working.
func newS3Client(cfg *S3Config) (*s3.Client, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...), nil
}

// TestS3Connection verifies bucket access by uploading and deleting a probe
// object.
func TestS3Connection(cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return fmt.Errorf("S3 is not configured")
	}

	client, err := newS3Client(cfg)
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	testKey := fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano())
	testContent := strings.NewReader("capture archive connection test")

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
		Body:   testContent,
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(testKey),
	})
	if err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}

	return nil
}
