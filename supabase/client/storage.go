package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Storage returns a storage client.
func (c *Client) Storage() *StorageClient {
	return &StorageClient{client: c}
}

// StorageClient handles storage operations.
type StorageClient struct {
	client *Client
}

// From returns a bucket client.
func (s *StorageClient) From(bucket string) *BucketClient {
	return &BucketClient{
		client: s.client,
		bucket: bucket,
	}
}

// BucketClient handles bucket operations.
type BucketClient struct {
	client *Client
	bucket string
}

func (b *BucketClient) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", b.client.baseURL, b.bucket, escapePath(path))
}

// Upload uploads a file. With upsert an existing object at path is replaced.
func (b *BucketClient) Upload(ctx context.Context, path string, data []byte, contentType string, upsert bool) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	b.client.setHeaders(req)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("x-upsert", "true")
	}

	resp, err := b.client.do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Error()
}

// Download downloads a file.
func (b *BucketClient) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	b.client.setHeaders(req)
	req.Header.Set("Accept", "*/*")

	resp, err := b.client.do(req)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete deletes files.
func (b *BucketClient) Delete(ctx context.Context, paths []string) (*Response, error) {
	reqURL := fmt.Sprintf("%s/storage/v1/object/%s", b.client.baseURL, b.bucket)

	body, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	b.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Error()
}

// CreateSignedURL returns a time-limited download URL for a private object.
func (b *BucketClient) CreateSignedURL(ctx context.Context, path string, expiresInSeconds int) (string, error) {
	reqURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", b.client.baseURL, b.bucket, escapePath(path))

	body, err := json.Marshal(map[string]int{"expiresIn": expiresInSeconds})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	b.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.do(req)
	if err != nil {
		return "", err
	}
	if err := resp.Error(); err != nil {
		return "", err
	}

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	if err := resp.JSON(&out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("empty signed URL")
	}
	return b.client.baseURL + "/storage/v1" + out.SignedURL, nil
}

// GetPublicURL returns the public URL for a file in a public bucket.
func (b *BucketClient) GetPublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", b.client.baseURL, b.bucket, escapePath(path))
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
