package cli

import (
	"context"
	stderrors "errors"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/b2fs/internal/adapter"
	"github.com/objectfs/b2fs/internal/config"
	"github.com/objectfs/b2fs/internal/hostfs"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/retry"
	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

// session is one short-lived mount.
type session struct {
	adapter *adapter.Adapter
	r       *hostfs.Resolver
	retryer *retry.Retryer
	logger  *zap.Logger
}

func loadConfig(flags *globalFlags, bucket string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if flags.configFile != "" {
		if err := cfg.LoadFromFile(flags.configFile); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "cannot load configuration").WithComponent("cli")
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "bad environment").WithComponent("cli")
	}
	if flags.metricsAddr != "" {
		cfg.Global.MetricsAddress = flags.metricsAddr
	}
	if flags.cacheRoot != "" {
		cfg.Mount.CacheRoot = flags.cacheRoot
	}
	if flags.logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(flags.logLevel)
	}
	// The b2:// argument names the bucket.
	cfg.Mount.BucketID = ""
	cfg.Mount.BucketName = bucket
	return cfg, nil
}

func credentials(cfg *config.Configuration) (types.CredentialProvider, error) {
	keyID := os.Getenv(EnvKeyID)
	if keyID == "" {
		keyID = cfg.Account.KeyID
	}
	key := os.Getenv(EnvKey)
	if keyID == "" || key == "" {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "set %s and %s", EnvKeyID, EnvKey).WithComponent("cli")
	}
	return types.StaticCredentials(types.Credentials{KeyID: keyID, Key: key}), nil
}

// withSession mounts bucket, runs fn and unmounts. Files that could not be
// uploaded at unmount are reported as an error.
func withSession(ctx context.Context, flags *globalFlags, bucket string, fn func(context.Context, *session) error) (err error) {
	cfg, err := loadConfig(flags, bucket)
	if err != nil {
		return err
	}
	creds, err := credentials(cfg)
	if err != nil {
		return err
	}
	a, err := adapter.New(ctx, cfg, creds)
	if err != nil {
		return err
	}

	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Network.Retry.MaxAttempts,
		InitialDelay: cfg.Network.Retry.BaseDelay,
		MaxDelay:     cfg.Network.Retry.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeRateLimited,
			errors.ErrCodeServerError,
			errors.ErrCodeTimeout,
		},
		Operation: "cli",
		Metrics:   a.Metrics(),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			a.Logger().Info("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	})

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Network.Timeouts.Request)
		defer cancel()
		kept, stopErr := a.Stop(stopCtx)
		if len(kept) > 0 {
			stopErr = stderrors.Join(stopErr, errors.Newf(errors.ErrCodeStagingDirty,
				"not uploaded, kept in staging: %s", strings.Join(kept, ", ")).WithComponent("cli"))
		}
		err = stderrors.Join(err, stopErr)
	}()

	if err := retryer.DoWithContext(ctx, a.Start); err != nil {
		return err
	}
	return fn(ctx, &session{adapter: a, r: a.Resolver(), retryer: retryer, logger: a.Logger()})
}

// do runs one idempotent resolver call under the retry policy.
func do[T any](ctx context.Context, s *session, fn func(context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, s.retryer, fn)
}

// walk resolves key one path component at a time from the root.
func (s *session) walk(ctx context.Context, key string) (hostfs.Attributes, error) {
	key = strings.Trim(key, utils.Separator)
	if key == "" {
		return s.r.GetAttributes(ctx, hostfs.RootID)
	}
	attrs := hostfs.Attributes{ID: hostfs.RootID, Kind: types.KindVirtualDir}
	for _, name := range strings.Split(key, utils.Separator) {
		if name == "" {
			continue
		}
		if !attrs.IsDir() {
			return hostfs.Attributes{}, errors.Newf(errors.ErrCodeNotDirectory, "%q is not a directory", attrs.Key).
				WithComponent("cli")
		}
		parent := attrs.ID
		next, err := do(ctx, s, func(ctx context.Context) (hostfs.Attributes, error) {
			return s.r.Lookup(ctx, parent, name)
		})
		if err != nil {
			return hostfs.Attributes{}, err
		}
		attrs = next
	}
	return attrs, nil
}

// walkParent resolves the directory holding key and returns it with the
// final name.
func (s *session) walkParent(ctx context.Context, key string) (hostfs.Attributes, string, error) {
	key = strings.Trim(key, utils.Separator)
	if key == "" {
		return hostfs.Attributes{}, "", errors.NewError(errors.ErrCodeInvalidRequest, "the bucket root has no parent").
			WithComponent("cli")
	}
	parent, err := s.walk(ctx, utils.ParentKey(key))
	if err != nil {
		return hostfs.Attributes{}, "", err
	}
	if !parent.IsDir() {
		return hostfs.Attributes{}, "", errors.Newf(errors.ErrCodeNotDirectory, "%q is not a directory", parent.Key).
			WithComponent("cli")
	}
	return parent, utils.BaseName(key), nil
}

// enumerate collects every entry of dir.
func (s *session) enumerate(ctx context.Context, dir hostfs.NodeID) ([]hostfs.Attributes, error) {
	var out []hostfs.Attributes
	var cookie uint64
	for {
		c := cookie
		page, err := do(ctx, s, func(ctx context.Context) (hostfs.EnumeratePage, error) {
			return s.r.Enumerate(ctx, dir, c)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if page.Cookie == 0 {
			return out, nil
		}
		cookie = page.Cookie
	}
}

// target parses a b2:// argument.
func target(arg string) (bucket, key string, err error) {
	return adapter.ParseStorageURI(arg)
}
