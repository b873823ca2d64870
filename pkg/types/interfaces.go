package types

import (
	"context"
	"time"
)

// CredentialProvider supplies the account key pair on mount.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// CredentialsFunc adapts a function to CredentialProvider.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// Credentials calls f.
func (f CredentialsFunc) Credentials(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// StaticCredentials returns a provider that always yields creds.
func StaticCredentials(creds Credentials) CredentialProvider {
	return CredentialsFunc(func(context.Context) (Credentials, error) {
		return creds, nil
	})
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(cache string, size int64)
	RecordCacheMiss(cache string)
	RecordError(operation string, err error)
	RecordSessionRefresh(success bool)
	RecordRetry(operation, reason string)
	SetStagingBytes(bytes int64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(string, int64) {}
func (NopMetrics) RecordCacheMiss(string) {}
func (NopMetrics) RecordError(string, error) {}
func (NopMetrics) RecordSessionRefresh(bool) {}
func (NopMetrics) RecordRetry(string, string) {}
func (NopMetrics) SetStagingBytes(int64) {}
