package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// RemoteConfig controls the S3-compatible remote tier.
type RemoteConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// Remote is the S3-compatible object-storage tier.
type Remote struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewRemote constructs the remote tier. Static credentials take precedence;
// otherwise the usual env/file/IAM chain is consulted.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("remote: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: create client: %w", err)
	}
	return &Remote{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (r *Remote) objectKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return path.Join(r.prefix, key)
}

// Put uploads the blob for key.
func (r *Remote) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := r.client.PutObject(ctx, r.bucket, r.objectKey(key), body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return wrapRemoteError(err, "put object")
	}
	return nil
}

// Get downloads the blob for key. Callers must close the returned reader.
func (r *Remote) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := r.client.GetObject(ctx, r.bucket, r.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapRemoteError(err, "get object")
	}
	// GetObject is lazy; Stat forces the request so missing keys surface here.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, wrapRemoteError(err, "stat object")
	}
	return obj, nil
}

// Delete removes the blob for key. Deleting a missing key is not an error.
func (r *Remote) Delete(ctx context.Context, key string) error {
	err := r.client.RemoveObject(ctx, r.bucket, r.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isRemoteNotFound(err) {
		return wrapRemoteError(err, "remove object")
	}
	return nil
}

func isRemoteNotFound(err error) bool {
	return minio.ToErrorResponse(err).StatusCode == http.StatusNotFound
}

func wrapRemoteError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isRemoteNotFound(err) {
		return ErrNotFound
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isConnectionError(opErr.Err)
	}
	return false
}
