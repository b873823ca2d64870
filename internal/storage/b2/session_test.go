package b2_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/b2fs/internal/storage/b2"
	"github.com/objectfs/b2fs/internal/storage/b2/b2test"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

func newSessions(t *testing.T, key string) (*b2test.Server, *b2.SessionManager) {
	t.Helper()
	fake := b2test.New(t)
	client := b2.NewClient(b2.Options{Endpoint: fake.URL(), HTTPClient: fake.HTTPClient()})
	creds := types.StaticCredentials(types.Credentials{KeyID: b2test.KeyID, Key: key})
	return fake, b2.NewSessionManager(client, creds, 0, nil, nil)
}

func TestSessionAuthorizesLazily(t *testing.T) {
	fake, sessions := newSessions(t, b2test.Key)
	assert.Nil(t, sessions.Current())

	first, err := sessions.Session(context.Background())
	require.NoError(t, err)
	second, err := sessions.Session(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fake.Count(b2test.EndpointAuthorize))
}

func TestConcurrentRefreshSharesOneAuthorization(t *testing.T) {
	fake, sessions := newSessions(t, b2test.Key)
	stale, err := sessions.Session(context.Background())
	require.NoError(t, err)

	fake.SetDelay(b2test.EndpointAuthorize, 50*time.Millisecond)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*types.Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = sessions.Refresh(context.Background(), stale)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.NotSame(t, stale, results[0])
	assert.Equal(t, 2, fake.Count(b2test.EndpointAuthorize))
}

func TestRefreshWithOldSnapshotSkipsNetwork(t *testing.T) {
	fake, sessions := newSessions(t, b2test.Key)
	old, err := sessions.Session(context.Background())
	require.NoError(t, err)

	fresh, err := sessions.Refresh(context.Background(), old)
	require.NoError(t, err)
	require.Equal(t, 2, fake.Count(b2test.EndpointAuthorize))

	again, err := sessions.Refresh(context.Background(), old)
	require.NoError(t, err)
	assert.Same(t, fresh, again)
	assert.Equal(t, 2, fake.Count(b2test.EndpointAuthorize))
}

func TestRefreshBadCredentials(t *testing.T) {
	fake, sessions := newSessions(t, "not-the-key")

	_, err := sessions.Session(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthenticationFailed, errors.CodeOf(err))
	assert.Nil(t, sessions.Current())
	assert.Equal(t, 1, fake.Count(b2test.EndpointAuthorize))
}

func TestRefreshWaiterHonorsCancellation(t *testing.T) {
	fake, sessions := newSessions(t, b2test.Key)
	fake.SetDelay(b2test.EndpointAuthorize, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sessions.Session(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared authorization keeps running for other callers.
	sess, err := sessions.Session(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AuthToken)
}

func TestInvalidate(t *testing.T) {
	fake, sessions := newSessions(t, b2test.Key)
	_, err := sessions.Session(context.Background())
	require.NoError(t, err)

	sessions.Invalidate()
	assert.Nil(t, sessions.Current())

	_, err = sessions.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.Count(b2test.EndpointAuthorize))
}
