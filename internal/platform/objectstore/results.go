package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ResultArchive stores completion payloads under runs/<run_id>/.
type ResultArchive struct {
	client *minio.Client
	bucket string
}

func NewResultArchive(client *minio.Client, bucket string) *ResultArchive {
	if client == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &ResultArchive{client: client, bucket: strings.TrimSpace(bucket)}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ResultKey is unique per (run, worker) so a late completion from a reclaimed
// worker never overwrites the owner's object.
func ResultKey(runID, workerID string) string {
	worker := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(workerID), "_")
	if worker == "" {
		worker = "unknown"
	}
	return fmt.Sprintf("runs/%s/result-%s.json", strings.TrimSpace(runID), worker)
}

func (a *ResultArchive) Put(ctx context.Context, runID, workerID string, payload []byte) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("result archive not initialized")
	}
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("run id is required")
	}
	key := ResultKey(runID, workerID)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id":    runID,
			"worker-id": workerID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put result object: %w", err)
	}
	return key, nil
}
