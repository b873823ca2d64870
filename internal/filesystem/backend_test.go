package filesystem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/b2fs/internal/cache"
	"github.com/objectfs/b2fs/internal/filesystem"
	"github.com/objectfs/b2fs/internal/storage/b2"
	"github.com/objectfs/b2fs/internal/storage/b2/b2test"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

const bucket = "photos"

type env struct {
	fake    *b2test.Server
	backend *filesystem.Backend
	content *cache.ContentCache
	meta    *cache.MetadataCache
}

type envOption func(*filesystem.Options)

func withPageSize(n int) envOption {
	return func(o *filesystem.Options) { o.ListPageSize = n }
}

func withTTL(d time.Duration) envOption {
	return func(o *filesystem.Options) { o.MetadataTTL = d }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	fake := b2test.New(t)
	bucketID := fake.AddBucket(bucket)

	client := b2.NewClient(b2.Options{Endpoint: fake.URL(), HTTPClient: fake.HTTPClient()})
	sessions := b2.NewSessionManager(client, types.StaticCredentials(types.Credentials{KeyID: b2test.KeyID, Key: b2test.Key}), 0, nil, nil)
	meta := cache.NewMetadataCache(time.Minute, nil, nil)
	content, err := cache.NewContentCache(t.TempDir(), 1<<20, nil, nil)
	require.NoError(t, err)

	o := filesystem.Options{
		Client:     client,
		Sessions:   sessions,
		Metadata:   meta,
		Content:    content,
		BucketID:   bucketID,
		BucketName: bucket,
	}
	for _, opt := range opts {
		opt(&o)
	}
	backend, err := filesystem.NewBackend(o)
	require.NoError(t, err)

	// Authorize up front so request counts only cover the operation under test.
	_, err = sessions.Session(context.Background())
	require.NoError(t, err)
	fake.ResetCounts()

	return &env{fake: fake, backend: backend, content: content, meta: meta}
}

func paths(entries []types.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestNewBackendValidates(t *testing.T) {
	_, err := filesystem.NewBackend(filesystem.Options{})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestDirectoryInference(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "a/b.txt", []byte("bee"), "text/plain")

	root, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "a/", root[0].Path)
	assert.Equal(t, types.KindVirtualDir, root[0].Kind)
	assert.Empty(t, root[0].FileID)

	inner, err := e.backend.ListDirectory(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, inner, 1)
	assert.Equal(t, "a/b.txt", inner[0].Path)
	assert.Equal(t, types.KindFile, inner[0].Kind)
	assert.Equal(t, int64(3), inner[0].Size)
	assert.NotEmpty(t, inner[0].FileID)
}

func TestDirectoryMarkerDoesNotDuplicate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "a/b.txt", []byte("bee"), "text/plain")
	marker := e.fake.Put(bucket, "a/", nil, types.DirectoryContentType)

	root, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/"}, paths(root))

	dir, err := e.backend.ReadDirectory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.txt"}, paths(dir.Entries))
	assert.Equal(t, types.KindMarkerDir, dir.Self.Kind)
	assert.Equal(t, marker.ID, dir.Self.FileID)
}

func TestEmptyMarkerDirectoryIsVisible(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "empty/", nil, types.DirectoryContentType)

	root, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.True(t, root[0].IsDir())

	dir, err := e.backend.ReadDirectory(ctx, "empty/")
	require.NoError(t, err)
	assert.Empty(t, dir.Entries)
	assert.Equal(t, types.KindMarkerDir, dir.Self.Kind)
}

func TestListDirectoryCachesWithinTTL(t *testing.T) {
	e := newEnv(t, withTTL(50*time.Millisecond))
	ctx := context.Background()
	e.fake.Put(bucket, "x.txt", []byte("x"), "text/plain")

	first, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	second, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointListFileNames))

	time.Sleep(80 * time.Millisecond)
	_, err = e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointListFileNames))
}

func TestListDirectoryPaginates(t *testing.T) {
	e := newEnv(t, withPageSize(2))
	for _, n := range []string{"f1", "f2", "f3", "f4", "f5"} {
		e.fake.Put(bucket, n, []byte(n), "text/plain")
	}

	entries, err := e.backend.ListDirectory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2", "f3", "f4", "f5"}, paths(entries))
	assert.Equal(t, 3, e.fake.Count(b2test.EndpointListFileNames))
}

func TestListDirectoryFiltersNoise(t *testing.T) {
	e := newEnv(t)
	e.fake.Put(bucket, ".DS_Store", []byte("junk"), "application/octet-stream")
	e.fake.Put(bucket, "._real.txt", []byte("junk"), "application/octet-stream")
	e.fake.Put(bucket, ".Trashes/1", []byte("junk"), "application/octet-stream")
	e.fake.Put(bucket, "real.txt", []byte("data"), "text/plain")

	entries, err := e.backend.ListDirectory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, paths(entries))
}

func TestAuthExpiryRecovery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "x.txt", []byte("x"), "text/plain")

	e.fake.FailNext(b2test.EndpointListFileNames, b2test.Failure{Status: 401, Code: "expired_auth_token"})
	entries, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt"}, paths(entries))

	assert.Equal(t, 1, e.fake.Count(b2test.EndpointAuthorize))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointListFileNames))
}

func TestAuthExpiryAfterTokenRevoked(t *testing.T) {
	e := newEnv(t)
	e.fake.Put(bucket, "x.txt", []byte("payload"), "text/plain")
	e.fake.ExpireSession()

	data, err := e.backend.Download(context.Background(), "x.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointAuthorize))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointDownload))
}

func TestAuthExpiryRetriesOnlyOnce(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(b2test.EndpointListFileNames,
		b2test.Failure{Status: 401, Code: "expired_auth_token"},
		b2test.Failure{Status: 401, Code: "expired_auth_token"})

	_, err := e.backend.ListDirectory(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsAuthExpired(err))
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointAuthorize))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointListFileNames))
}

func TestOtherErrorsPropagateUnchanged(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(b2test.EndpointListFileNames, b2test.Failure{Status: 503, RetryAfter: "4"})

	_, err := e.backend.ListDirectory(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeServerError, errors.CodeOf(err))
	assert.Equal(t, 4*time.Second, errors.RetryAfter(err))
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointListFileNames))
	assert.Zero(t, e.fake.Count(b2test.EndpointAuthorize))
}

func TestStat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "docs/readme.md", []byte("# hi"), "text/markdown")

	file, err := e.backend.Stat(ctx, "docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, int64(4), file.Size)
	assert.False(t, file.IsDir())

	dir, err := e.backend.Stat(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/", dir.Path)
	assert.True(t, dir.IsDir())

	root, err := e.backend.Stat(ctx, "")
	require.NoError(t, err)
	assert.True(t, root.IsDir())

	_, err = e.backend.Stat(ctx, "docs/missing.md")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestDownloadUsesContentCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "big.bin", []byte("0123456789"), "application/octet-stream")

	for i := 0; i < 2; i++ {
		data, err := e.backend.Download(ctx, "big.bin")
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(data))
	}
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointDownload))

	for i := 0; i < 2; i++ {
		part, err := e.backend.DownloadRange(ctx, "big.bin", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, "234", string(part))
	}
	assert.Equal(t, 3, e.fake.Count(b2test.EndpointDownload))
}

func TestDownloadOverlappingUploadIsNotCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "f.txt", []byte("old"), "text/plain")

	reached, release := e.fake.Hold(b2test.EndpointDownload)
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := e.backend.Download(ctx, "f.txt")
		done <- result{data, err}
	}()

	<-reached
	_, err := e.backend.Upload(ctx, "f.txt", []byte("new"), time.Now())
	require.NoError(t, err)
	release()

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, "old", string(first.data))
	assert.False(t, e.content.Contains(e.backend.BucketID(), "f.txt"))

	data, err := e.backend.Download(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointDownload))
}

func TestListingOverlappingUploadIsNotCached(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "a.txt", []byte("a"), "text/plain")

	reached, release := e.fake.Hold(b2test.EndpointListFileNames)
	type result struct {
		entries []types.Entry
		err     error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := e.backend.ListDirectory(ctx, "")
		done <- result{entries, err}
	}()

	<-reached
	_, err := e.backend.Upload(ctx, "g.txt", []byte("g"), time.Now())
	require.NoError(t, err)
	release()

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, []string{"a.txt"}, paths(first.entries))

	listed, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "g.txt"}, paths(listed))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointListFileNames))

	st, err := e.backend.Stat(ctx, "g.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Size)
}

func TestRangeDownloadIsNotCached(t *testing.T) {
	e := newEnv(t)
	e.fake.Put(bucket, "f", []byte("abcdef"), "text/plain")

	_, err := e.backend.DownloadRange(context.Background(), "f", 0, 2)
	require.NoError(t, err)
	assert.False(t, e.content.Contains(e.backend.BucketID(), "f"))
}

func TestCanceledDownloadLeavesNoCacheEntry(t *testing.T) {
	e := newEnv(t)
	e.fake.Put(bucket, "slow", []byte("abc"), "text/plain")
	e.fake.SetDelay(b2test.EndpointDownload, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.backend.Download(ctx, "slow")
	require.Error(t, err)
	assert.False(t, e.content.Contains(e.backend.BucketID(), "slow"))
}

func TestUploadStoresExactBytes(t *testing.T) {
	e := newEnv(t)
	data := []byte("hello from b2fs")
	mod := time.UnixMilli(1700000000000).UTC()

	entry, err := e.backend.Upload(context.Background(), "notes/hello.txt", data, mod)
	require.NoError(t, err)
	assert.Equal(t, types.KindFile, entry.Kind)
	assert.Equal(t, int64(len(data)), entry.Size)
	assert.NotEmpty(t, entry.FileID)
	assert.Equal(t, mod, entry.ModTime)

	obj, ok := e.fake.Object(bucket, "notes/hello.txt")
	require.True(t, ok)
	assert.Equal(t, data, obj.Data)
	assert.Contains(t, obj.ContentType, "text/plain")
}

func TestUploadReusesTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := e.backend.Upload(ctx, k, []byte(k), time.Now())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointGetUploadURL))
	assert.Equal(t, 3, e.fake.Count(b2test.EndpointUpload))
}

func TestUploadRetriesWithNewTarget(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(b2test.EndpointUpload, b2test.Failure{Status: 503, Code: "service_unavailable"})

	_, err := e.backend.Upload(context.Background(), "k", []byte("data"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointGetUploadURL))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointUpload))

	obj, ok := e.fake.Object(bucket, "k")
	require.True(t, ok)
	assert.Equal(t, "data", string(obj.Data))
}

func TestUploadRecoversFromExpiredTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.backend.Upload(ctx, "first", []byte("1"), time.Now())
	require.NoError(t, err)
	e.fake.ExpireUploadTargets()

	_, err = e.backend.Upload(ctx, "second", []byte("2"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointGetUploadURL))
	assert.Equal(t, 3, e.fake.Count(b2test.EndpointUpload))
	assert.Zero(t, e.fake.Count(b2test.EndpointAuthorize))
}

func TestUploadGivesUpAfterOneNewTarget(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(b2test.EndpointUpload,
		b2test.Failure{Status: 500},
		b2test.Failure{Status: 500})

	_, err := e.backend.Upload(context.Background(), "k", []byte("data"), time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointUpload))
	_, ok := e.fake.Object(bucket, "k")
	assert.False(t, ok)
}

func TestUploadClientErrorIsNotRetried(t *testing.T) {
	e := newEnv(t)
	e.fake.FailNext(b2test.EndpointUpload, b2test.Failure{Status: 400, Code: "bad_request"})

	_, err := e.backend.Upload(context.Background(), "k", []byte("data"), time.Now())
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))
	assert.Equal(t, 1, e.fake.Count(b2test.EndpointUpload))
}

func TestUploadRejectsDirectoryKey(t *testing.T) {
	e := newEnv(t)
	_, err := e.backend.Upload(context.Background(), "dir/", []byte("x"), time.Now())
	assert.Equal(t, errors.ErrCodeIsDirectory, errors.CodeOf(err))
	assert.Zero(t, e.fake.Total())
}

func TestMutationsInvalidateCaches(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "dir/f.txt", []byte("old"), "text/plain")

	before, err := e.backend.ListDirectory(ctx, "dir/")
	require.NoError(t, err)
	require.Len(t, before, 1)
	_, err = e.backend.Download(ctx, "dir/f.txt")
	require.NoError(t, err)

	_, err = e.backend.Upload(ctx, "dir/f.txt", []byte("newer"), time.Now())
	require.NoError(t, err)
	assert.False(t, e.content.Contains(e.backend.BucketID(), "dir/f.txt"))

	after, err := e.backend.ListDirectory(ctx, "dir/")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(5), after[0].Size)
	assert.Equal(t, 2, e.fake.Count(b2test.EndpointListFileNames))

	data, err := e.backend.Download(ctx, "dir/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))

	_, err = e.backend.Upload(ctx, "dir/g.txt", []byte("g"), time.Now())
	require.NoError(t, err)
	listed, err := e.backend.ListDirectory(ctx, "dir/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/f.txt", "dir/g.txt"}, paths(listed))
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	obj := e.fake.Put(bucket, "gone.txt", []byte("x"), "text/plain")

	_, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(e.backend.Delete(ctx, "gone.txt", "")))
	require.NoError(t, e.backend.Delete(ctx, "gone.txt", obj.ID))

	entries, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateDirectory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)

	entry, err := e.backend.CreateDirectory(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/", entry.Path)
	assert.Equal(t, types.KindMarkerDir, entry.Kind)

	obj, ok := e.fake.Object(bucket, "docs/")
	require.True(t, ok)
	assert.Empty(t, obj.Data)
	assert.Equal(t, types.DirectoryContentType, obj.ContentType)

	root, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/"}, paths(root))
}

func TestRenameFile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "old.txt", []byte("contents"), "text/plain")

	src, err := e.backend.Stat(ctx, "old.txt")
	require.NoError(t, err)
	moved, err := e.backend.Rename(ctx, src, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", moved.Path)

	assert.Equal(t, []string{"new.txt"}, e.fake.Names(bucket))
	obj, _ := e.fake.Object(bucket, "new.txt")
	assert.Equal(t, "contents", string(obj.Data))

	listed, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, paths(listed))
}

func TestRenameDeleteFailureKeepsBoth(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fake.Put(bucket, "old.txt", []byte("contents"), "text/plain")

	src, err := e.backend.Stat(ctx, "old.txt")
	require.NoError(t, err)
	e.fake.FailNext(b2test.EndpointDeleteFileVersion, b2test.Failure{Status: 500})

	moved, err := e.backend.Rename(ctx, src, "new.txt")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRenameIncomplete, errors.CodeOf(err))
	assert.Equal(t, "new.txt", moved.Path)

	assert.Equal(t, []string{"new.txt", "old.txt"}, e.fake.Names(bucket))
	listed, err := e.backend.ListDirectory(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt", "old.txt"}, paths(listed))
}

func TestRenameDirectoryUnsupported(t *testing.T) {
	e := newEnv(t)
	e.fake.Put(bucket, "dir/x", []byte("x"), "text/plain")

	src, err := e.backend.Stat(context.Background(), "dir")
	require.NoError(t, err)
	e.fake.ResetCounts()

	_, err = e.backend.Rename(context.Background(), src, "other")
	assert.Equal(t, errors.ErrCodeUnsupported, errors.CodeOf(err))
	assert.Zero(t, e.fake.Total())
}
