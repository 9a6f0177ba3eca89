// Package s3 pulls update images from an S3 compatible object store.
package s3

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/flashota/internal/ota"
	"github.com/autopeer-io/flashota/internal/transport"
	"github.com/autopeer-io/flashota/pkg/log"
	"github.com/autopeer-io/flashota/pkg/options"
)

// Source labels sessions started by this transport.
const Source = "s3"

// Fetcher streams objects into update sessions.
type Fetcher struct {
	client    *minio.Client
	bucket    string
	d         *transport.Dispatcher
	chunkSize int

	mu sync.Mutex
	// seen maps object keys to the ETag last fed, so polling skips them.
	seen map[string]string
}

// New connects to the store described by o.
func New(o *options.S3Options, d *transport.Dispatcher, chunkSize int) (*Fetcher, error) {
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKeyID, o.SecretAccessKey, ""),
		Secure: o.UseSSL,
		Region: o.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Fetcher{
		client:    client,
		bucket:    o.BucketName,
		d:         d,
		chunkSize: chunkSize,
		seen:      map[string]string{},
	}, nil
}

// Fetch streams object key into one update session.
func (f *Fetcher) Fetch(ctx context.Context, key string) (ota.Result, error) {
	info, err := f.client.StatObject(ctx, f.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ota.Result{}, fmt.Errorf("stat %s/%s: %w", f.bucket, key, err)
	}
	return f.fetch(ctx, key, info)
}

func (f *Fetcher) fetch(ctx context.Context, key string, info minio.ObjectInfo) (ota.Result, error) {
	obj, err := f.client.GetObject(ctx, f.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return ota.Result{}, fmt.Errorf("get %s/%s: %w", f.bucket, key, err)
	}
	defer obj.Close()

	log.Info("Fetching update", "bucket", f.bucket, "key", key, "size", info.Size, "etag", info.ETag)
	res, err := f.d.Feed(ctx, Source, obj, info.Size, f.chunkSize)
	if err == nil {
		f.mu.Lock()
		f.seen[key] = info.ETag
		f.mu.Unlock()
	}
	return res, err
}

// Poll fetches key every interval whenever its ETag changes, until ctx ends.
func (f *Fetcher) Poll(ctx context.Context, key string, interval time.Duration) {
	log.Info("Polling object store for updates", "bucket", f.bucket, "key", key, "interval", interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := f.pollOnce(ctx, key); err != nil {
			log.Error(err, "Object store poll failed", "key", key)
		}
	}, interval)
}

// pollOnce fetches key if it changed since the last successful fetch. A
// refused message keeps its ETag unseen and is offered again next time.
func (f *Fetcher) pollOnce(ctx context.Context, key string) (bool, error) {
	info, err := f.client.StatObject(ctx, f.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}

	f.mu.Lock()
	unchanged := f.seen[key] == info.ETag
	f.mu.Unlock()
	if unchanged {
		return false, nil
	}

	if _, err := f.fetch(ctx, key, info); err != nil {
		if transport.Refused(err) {
			log.Debug("Update refused, retrying on next poll", "key", key, "reason", err.Error())
			return false, nil
		}
		return true, err
	}
	return true, nil
}
