package b2

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

// DefaultAuthorizeTimeout bounds one shared authorization round trip.
const DefaultAuthorizeTimeout = 30 * time.Second

// SessionManager owns the current session snapshot and refreshes it on demand.
// All concurrent refresh requests for the same stale snapshot share one
// authorization call.
type SessionManager struct {
	client  *Client
	creds   types.CredentialProvider
	logger  *zap.Logger
	metrics types.MetricsCollector
	timeout time.Duration

	current atomic.Pointer[types.Session]
	group   singleflight.Group
}

// NewSessionManager creates a manager with no session yet.
func NewSessionManager(client *Client, creds types.CredentialProvider, timeout time.Duration, logger *zap.Logger, metrics types.MetricsCollector) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if timeout <= 0 {
		timeout = DefaultAuthorizeTimeout
	}
	return &SessionManager{
		client:  client,
		creds:   creds,
		logger:  logger.Named("session"),
		metrics: metrics,
		timeout: timeout,
	}
}

// Current returns the latest snapshot, or nil before the first authorization.
func (m *SessionManager) Current() *types.Session {
	return m.current.Load()
}

// Session returns the current snapshot, authorizing first if there is none.
func (m *SessionManager) Session(ctx context.Context) (*types.Session, error) {
	if s := m.current.Load(); s != nil {
		return s, nil
	}
	return m.Refresh(ctx, nil)
}

// Refresh replaces stale with a newly authorized session. If the held session
// is no longer stale, because another caller already refreshed it, the held
// one is returned without a network call. A nil stale only refreshes when no
// session is held yet.
func (m *SessionManager) Refresh(ctx context.Context, stale *types.Session) (*types.Session, error) {
	if cur := m.current.Load(); cur != nil && cur != stale {
		return cur, nil
	}

	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		if cur := m.current.Load(); cur != nil && cur != stale {
			return cur, nil
		}
		return m.authorize(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Session), nil
	case <-ctx.Done():
		return nil, classifyTransport("authorize", ctx.Err())
	}
}

// authorize runs detached from the first caller's cancellation so one
// abandoned waiter cannot fail the refresh for everyone sharing it.
func (m *SessionManager) authorize(ctx context.Context) (*types.Session, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	creds, err := m.creds.Credentials(actx)
	if err != nil {
		m.metrics.RecordSessionRefresh(false)
		return nil, errors.Wrap(errors.ErrCodeAuthenticationFailed, err, "credential provider failed").
			WithComponent("session").
			WithOperation("authorize")
	}

	sess, err := m.client.Authorize(actx, creds)
	if err != nil {
		m.metrics.RecordSessionRefresh(false)
		m.logger.Warn("authorization failed", zap.String("key_id", creds.KeyID), zap.Error(err))
		return nil, err
	}

	m.current.Store(sess)
	m.metrics.RecordSessionRefresh(true)
	m.logger.Info("session refreshed",
		zap.String("account_id", sess.AccountID),
		zap.String("key_id", creds.KeyID))
	return sess, nil
}

// Invalidate drops the held session. The next Session call authorizes again.
func (m *SessionManager) Invalidate() {
	m.current.Store(nil)
}
