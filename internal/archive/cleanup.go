package archive

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// dayPattern matches the date encoded in archive paths: segments/YYYY/MM/DD/...
var dayPattern = regexp.MustCompile(`(\d{4})/(\d{2})/(\d{2})`)

// cleanupTimeout bounds one S3 cleanup pass.
const cleanupTimeout = 5 * time.Minute

// cleanupScheduler runs the retention cleanup daily at 03:00 local time.
func (a *Archive) cleanupScheduler() {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
		if now.After(next) {
			next = next.Add(24 * time.Hour)
		}

		slog.Info("archive cleanup: next run scheduled", "at", next.Format(time.DateTime))

		select {
		case <-time.After(next.Sub(now)):
			a.runCleanup()
		case <-a.cleanupStopCh:
			slog.Info("archive cleanup scheduler stopped")
			return
		}
	}
}

// runCleanup deletes archived segments older than the retention period.
func (a *Archive) runCleanup() {
	if a.cfg.RetentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
	slog.Info("archive cleanup: starting", "cutoff", cutoff.Format(time.DateOnly))

	if a.cfg.StorageMode == StorageLocal || a.cfg.StorageMode == StorageBoth {
		a.cleanupLocal(cutoff)
	}
	if a.cfg.StorageMode == StorageS3 || a.cfg.StorageMode == StorageBoth {
		a.cleanupS3(cutoff)
	}
}

// cleanupLocal removes spooled WAV files whose archive date is before cutoff.
func (a *Archive) cleanupLocal(cutoff time.Time) {
	root := filepath.Join(a.cfg.LocalPath, keyPrefix)

	var deleted int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		day, ok := extractDay(filepath.ToSlash(path))
		if !ok || !day.Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			slog.Warn("archive cleanup: failed to delete local file", "path", path, "error", err)
		} else {
			deleted++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("archive cleanup: local walk failed", "path", root, "error", err)
	}

	if deleted > 0 {
		slog.Info("archive cleanup: deleted local files", "count", deleted)
	}
}

// cleanupS3 removes archived objects whose key date is before cutoff.
func (a *Archive) cleanupS3(cutoff time.Time) {
	if !a.cfg.S3.IsConfigured() {
		return
	}

	client, err := a.getOrCreateS3Client()
	if err != nil {
		slog.Warn("archive cleanup: failed to create S3 client", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var deleted int
	var continuationToken *string

	for {
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(a.cfg.S3.Bucket),
			Prefix: aws.String(keyPrefix + "/"),
		}
		if continuationToken != nil {
			input.ContinuationToken = continuationToken
		}

		output, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			slog.Warn("archive cleanup: failed to list S3 objects", "bucket", a.cfg.S3.Bucket, "error", err)
			return
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)

			day, ok := extractDay(key)
			if !ok || !day.Before(cutoff) {
				continue
			}

			_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.cfg.S3.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				slog.Warn("archive cleanup: failed to delete S3 object", "key", key, "error", err)
			} else {
				deleted++
			}
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	if deleted > 0 {
		slog.Info("archive cleanup: deleted S3 objects", "count", deleted)
	}
}

// extractDay parses the YYYY/MM/DD portion of an archive path or key.
func extractDay(path string) (time.Time, bool) {
	matches := dayPattern.FindStringSubmatch(path)
	if len(matches) < 4 {
		return time.Time{}, false
	}

	day, err := time.Parse("2006/01/02", matches[1]+"/"+matches[2]+"/"+matches[3])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
