package biomarkers

import (
	"context"
	"time"

	"github.com/everliv/everliv-api/supabase/client"
)

// BucketStore keeps documents in a Supabase Storage bucket.
type BucketStore struct {
	bucket *client.BucketClient
}

// NewBucketStore wraps a bucket client.
func NewBucketStore(bucket *client.BucketClient) *BucketStore {
	return &BucketStore{bucket: bucket}
}

// Put uploads data at path, replacing an existing object.
func (b *BucketStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	_, err := b.bucket.Upload(ctx, path, data, contentType, true)
	return err
}

// Remove deletes the object at path.
func (b *BucketStore) Remove(ctx context.Context, path string) error {
	_, err := b.bucket.Delete(ctx, []string{path})
	return err
}

// SignedURL returns a download link valid for ttl.
func (b *BucketStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return b.bucket.CreateSignedURL(ctx, path, int(ttl.Seconds()))
}
