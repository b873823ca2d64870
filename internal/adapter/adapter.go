package adapter

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/b2fs/internal/cache"
	"github.com/objectfs/b2fs/internal/config"
	"github.com/objectfs/b2fs/internal/filesystem"
	"github.com/objectfs/b2fs/internal/hostfs"
	"github.com/objectfs/b2fs/internal/logging"
	"github.com/objectfs/b2fs/internal/metrics"
	"github.com/objectfs/b2fs/internal/staging"
	"github.com/objectfs/b2fs/internal/storage/b2"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

// StorageScheme is the URI scheme naming a bucket, as in b2://photos.
const StorageScheme = "b2"

// Adapter owns every component of one mount.
type Adapter struct {
	config *config.Configuration
	creds  types.CredentialProvider
	logger *zap.Logger

	metrics  *metrics.Collector
	client   *b2.Client
	sessions *b2.SessionManager
	meta     *cache.MetadataCache
	content  *cache.ContentCache

	mu         sync.Mutex
	started    bool
	bucket     types.Bucket
	backend    *filesystem.Backend
	staging    *staging.Manager
	resolver   *hostfs.Resolver
	dispatcher *hostfs.Dispatcher
}

// Option adjusts how New builds components.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// WithLogger uses logger instead of one built from the global config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sends every remote call through client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// New validates cfg and builds the components that do not need the network.
// The configuration must not be modified afterwards.
func New(ctx context.Context, cfg *config.Configuration, creds types.CredentialProvider, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration is required").WithComponent("adapter")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "a credential provider is required").WithComponent("adapter")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{
			Level:      cfg.Global.LogLevel,
			Format:     cfg.Global.LogFormat,
			OutputPath: cfg.Global.LogFile,
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "cannot build logger").WithComponent("adapter")
		}
	}
	logger = logger.Named("adapter")

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Address:   cfg.Global.MetricsAddress,
		Namespace: "b2fs",
	}, logger)
	if err != nil {
		return nil, err
	}

	cacheSize, err := cfg.CacheSizeBytes()
	if err != nil {
		return nil, err
	}
	content, err := cache.NewContentCache(cfg.Mount.CacheRoot, cacheSize, logger, collector)
	if err != nil {
		return nil, err
	}

	client := b2.NewClient(b2.Options{
		Endpoint:       cfg.Network.APIEndpoint,
		HTTPClient:     o.httpClient,
		ConnectTimeout: cfg.Network.Timeouts.Connect,
		RequestTimeout: cfg.Network.Timeouts.Request,
		Logger:         logger,
		Metrics:        collector,
	})

	return &Adapter{
		config:   cfg,
		creds:    creds,
		logger:   logger,
		metrics:  collector,
		client:   client,
		sessions: b2.NewSessionManager(client, creds, cfg.Network.Timeouts.Authorize, logger, collector),
		meta:     cache.NewMetadataCache(cfg.Mount.MetadataTTL, logger, collector),
		content:  content,
	}, nil
}

// Start authorizes, resolves the bucket and builds the filesystem layers. It
// also starts the metrics endpoint when one is configured.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	start := time.Now()
	a.logger.Info("starting mount", zap.String("bucket", a.config.BucketRef()))

	sess, err := a.sessions.Session(ctx)
	if err != nil {
		return err
	}
	bucket, err := a.resolveBucket(ctx, sess)
	if err != nil {
		return err
	}

	backend, err := filesystem.NewBackend(filesystem.Options{
		Client:       a.client,
		Sessions:     a.sessions,
		Metadata:     a.meta,
		Content:      a.content,
		BucketID:     bucket.ID,
		BucketName:   bucket.Name,
		ListPageSize: a.config.Mount.ListPageSize,
		MetadataTTL:  a.config.Mount.MetadataTTL,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}
	stage, err := staging.NewManager(a.config.Mount.CacheRoot, staging.MountDir(bucket.ID), a.logger, a.metrics)
	if err != nil {
		return err
	}
	resolver, err := hostfs.NewResolver(hostfs.Options{
		Store:             backend,
		Staging:           stage,
		EnumeratePageSize: a.config.Mount.EnumeratePageSize,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}

	a.bucket = bucket
	a.backend = backend
	a.staging = stage
	a.resolver = resolver
	a.dispatcher = hostfs.NewDispatcher(resolver, a.config.Mount.MaxInFlight, a.logger)
	a.started = true

	a.logger.Info("mount ready",
		zap.String("bucket_id", bucket.ID),
		zap.String("bucket_name", bucket.Name),
		zap.String("staging_dir", stage.Dir()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// resolveBucket fills in whichever of the bucket ID and name was not
// configured. A key restricted to one bucket answers from the session.
func (a *Adapter) resolveBucket(ctx context.Context, sess *types.Session) (types.Bucket, error) {
	want := types.Bucket{ID: a.config.Mount.BucketID, Name: a.config.Mount.BucketName}
	if sess.AllowedBucketID != "" &&
		(want.ID == "" || want.ID == sess.AllowedBucketID) &&
		(want.Name == "" || want.Name == sess.AllowedBucketName) {
		return types.Bucket{ID: sess.AllowedBucketID, Name: sess.AllowedBucketName}, nil
	}

	buckets, err := a.client.ListBuckets(ctx, sess, b2.BucketFilter{ID: want.ID, Name: want.Name})
	if errors.IsAuthExpired(err) {
		if sess, err = a.sessions.Refresh(ctx, sess); err != nil {
			return types.Bucket{}, err
		}
		buckets, err = a.client.ListBuckets(ctx, sess, b2.BucketFilter{ID: want.ID, Name: want.Name})
	}
	if err != nil {
		return types.Bucket{}, err
	}
	for _, b := range buckets {
		if (want.ID == "" || b.ID == want.ID) && (want.Name == "" || b.Name == want.Name) {
			return b, nil
		}
	}
	return types.Bucket{}, errors.Newf(errors.ErrCodeNotFound, "bucket %q not found", a.config.BucketRef()).
		WithComponent("adapter").WithOperation("start")
}

// Stop cancels outstanding host calls, uploads every dirty staging record
// and removes the clean ones. Records whose upload failed stay on disk; their
// keys are returned along with the error.
func (a *Adapter) Stop(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	var kept []string
	if a.started {
		a.logger.Info("stopping mount", zap.Int("open_handles", a.resolver.OpenHandles()))
		a.dispatcher.Close()

		failed, err := a.resolver.FlushAll(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		kept, err = a.staging.CleanupAll()
		if err != nil {
			errs = append(errs, err)
		}
		if len(kept) > 0 {
			a.logger.Warn("dirty files were not uploaded and stay staged",
				zap.Strings("keys", kept),
				zap.Strings("failed", failed),
				zap.String("staging_dir", a.staging.Dir()))
		}
		a.started = false
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return kept, stderrors.Join(errs...)
}

// Resolver returns the host-call surface. It is nil until Start succeeds.
func (a *Adapter) Resolver() *hostfs.Resolver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolver
}

// Dispatcher returns the callback-style surface. It is nil until Start succeeds.
func (a *Adapter) Dispatcher() *hostfs.Dispatcher {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dispatcher
}

// Bucket returns the resolved bucket.
func (a *Adapter) Bucket() types.Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucket
}

// Metrics returns the collector every component records into.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

// Logger returns the adapter's logger.
func (a *Adapter) Logger() *zap.Logger {
	return a.logger
}

// ParseStorageURI returns the bucket name and key prefix of b2://bucket/prefix.
func ParseStorageURI(uri string) (bucket, prefix string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrap(errors.ErrCodeInvalidConfig, err, "failed to parse URI").WithComponent("adapter")
	}
	if parsed.Scheme != StorageScheme {
		return "", "", errors.Newf(errors.ErrCodeInvalidConfig,
			"unsupported storage scheme: %q (only %s:// supported)", parsed.Scheme, StorageScheme).WithComponent("adapter")
	}
	if parsed.Host == "" {
		return "", "", errors.NewError(errors.ErrCodeInvalidConfig, "URI must include a bucket name").WithComponent("adapter")
	}
	return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
}
