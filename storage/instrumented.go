package storage

import (
	"context"
	"time"

	"github.com/wolfeidau/docloader/telemetry"
)

// Instrumented wraps a Service with metrics recording.
type Instrumented struct {
	svc  Service
	name string
}

// NewInstrumented creates a new instrumented service wrapper. name labels
// the backend in metrics.
func NewInstrumented(svc Service, name string) *Instrumented {
	return &Instrumented{svc: svc, name: name}
}

// PublicURL is not recorded; it is pure string composition.
func (i *Instrumented) PublicURL(bucket, path string) (string, error) {
	return i.svc.PublicURL(bucket, path)
}

// PublicReadable reports the wrapped service's answer.
func (i *Instrumented) PublicReadable(bucket string) bool {
	return PublicReadable(i.svc, bucket)
}

func (i *Instrumented) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := i.svc.SignedURL(ctx, bucket, path, ttl)
	telemetry.RecordStorageOp(ctx, i.name, "sign", outcomeFromError(err), time.Since(start), 0)
	return u, err
}

func (i *Instrumented) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	start := time.Now()
	data, err := i.svc.Download(ctx, bucket, path)
	telemetry.RecordStorageOp(ctx, i.name, "download", outcomeFromError(err), time.Since(start), int64(len(data)))
	return data, err
}

// Name returns the backend label.
func (i *Instrumented) Name() string {
	return i.name
}

// Unwrap returns the underlying service.
func (i *Instrumented) Unwrap() Service {
	return i.svc
}

var _ Service = (*Instrumented)(nil)
