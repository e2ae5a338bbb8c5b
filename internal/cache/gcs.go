package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSDurableTier stores one JSON object per fingerprint. Nothing here sets
// object lifecycle rules: durable entries live until explicitly deleted.
type GCSDurableTier struct {
	client *storage.Client
	bucket string
}

func NewGCSDurableTier(ctx context.Context, bucket string) (*GCSDurableTier, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs tier: bucket name required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs tier: create client: %w", err)
	}
	return &GCSDurableTier{client: client, bucket: bucket}, nil
}

func objectKey(key string) string {
	return "fingerprints/" + key + ".json"
}

func (g *GCSDurableTier) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rd, err := g.client.Bucket(g.bucket).Object(objectKey(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs read %s: %w", key, err)
	}
	defer rd.Close()

	var entry Entry
	if err := json.NewDecoder(rd).Decode(&entry); err != nil {
		return nil, fmt.Errorf("gcs decode %s: %w", key, err)
	}
	return &entry, nil
}

func (g *GCSDurableTier) Put(ctx context.Context, key string, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(objectKey(key)).NewWriter(ctx)
	w.ContentType = "application/json"
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

func (g *GCSDurableTier) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := g.client.Bucket(g.bucket).Object(objectKey(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

func (g *GCSDurableTier) Close() error {
	return g.client.Close()
}
