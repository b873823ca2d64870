package b2_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/b2fs/internal/storage/b2"
	"github.com/objectfs/b2fs/internal/storage/b2/b2test"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

type fixture struct {
	fake     *b2test.Server
	client   *b2.Client
	sess     *types.Session
	bucketID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := b2test.New(t)
	bucketID := fake.AddBucket("photos")
	client := b2.NewClient(b2.Options{Endpoint: fake.URL(), HTTPClient: fake.HTTPClient()})

	sess, err := client.Authorize(context.Background(), types.Credentials{KeyID: b2test.KeyID, Key: b2test.Key})
	require.NoError(t, err)
	return &fixture{fake: fake, client: client, sess: sess, bucketID: bucketID}
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, f.fake.AccountID(), f.sess.AccountID)
	assert.NotEmpty(t, f.sess.AuthToken)
	assert.Equal(t, f.fake.URL(), f.sess.APIURL)
	assert.Equal(t, f.fake.URL(), f.sess.DownloadURL)
	assert.True(t, f.sess.HasCapability("writeFiles"))
	assert.Equal(t, int64(100*1000*1000), f.sess.RecommendedPartSize)
}

func TestAuthorizeBadCredentialsIsTerminal(t *testing.T) {
	fake := b2test.New(t)
	client := b2.NewClient(b2.Options{Endpoint: fake.URL(), HTTPClient: fake.HTTPClient()})

	_, err := client.Authorize(context.Background(), types.Credentials{KeyID: b2test.KeyID, Key: "wrong"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthenticationFailed, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, errors.IsAuthExpired(err))
}

func TestListBuckets(t *testing.T) {
	f := newFixture(t)
	f.fake.AddBucket("backups")

	all, err := f.client.ListBuckets(context.Background(), f.sess, b2.BucketFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := f.client.ListBuckets(context.Background(), f.sess, b2.BucketFilter{Name: "photos"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, f.bucketID, one[0].ID)
}

func TestListFileNamesWithDelimiter(t *testing.T) {
	f := newFixture(t)
	f.fake.Put("photos", "a/b.txt", []byte("bee"), "text/plain")
	f.fake.Put("photos", "a/c/d.txt", []byte("dee"), "text/plain")
	f.fake.Put("photos", "top.txt", []byte("top"), "text/plain")

	page, err := f.client.ListFileNames(context.Background(), f.sess, b2.ListRequest{
		BucketID:  f.bucketID,
		Delimiter: "/",
	})
	require.NoError(t, err)
	require.Len(t, page.Files, 2)
	assert.Equal(t, "a/", page.Files[0].Name)
	assert.Equal(t, "folder", page.Files[0].Action)
	assert.Equal(t, "top.txt", page.Files[1].Name)
	assert.Equal(t, int64(3), page.Files[1].Size)
	assert.NotEmpty(t, page.Files[1].ID)
	assert.Empty(t, page.NextFileName)

	inner, err := f.client.ListFileNames(context.Background(), f.sess, b2.ListRequest{
		BucketID:  f.bucketID,
		Prefix:    "a/",
		Delimiter: "/",
	})
	require.NoError(t, err)
	require.Len(t, inner.Files, 2)
	assert.Equal(t, "a/b.txt", inner.Files[0].Name)
	assert.Equal(t, "a/c/", inner.Files[1].Name)
}

func TestListFileNamesPagination(t *testing.T) {
	f := newFixture(t)
	for _, n := range []string{"k1", "k2", "k3", "k4", "k5"} {
		f.fake.Put("photos", n, []byte(n), "text/plain")
	}

	var names []string
	start := ""
	for {
		page, err := f.client.ListFileNames(context.Background(), f.sess, b2.ListRequest{
			BucketID:      f.bucketID,
			StartFileName: start,
			MaxFileCount:  2,
		})
		require.NoError(t, err)
		for _, file := range page.Files {
			names = append(names, file.Name)
		}
		if page.NextFileName == "" {
			break
		}
		start = page.NextFileName
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k4", "k5"}, names)
	assert.Equal(t, 3, f.fake.Count(b2test.EndpointListFileNames))
}

func TestUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("hello, object store")
	mod := time.UnixMilli(1700000000123).UTC()

	target, err := f.client.GetUploadURL(ctx, f.sess, f.bucketID)
	require.NoError(t, err)
	assert.NotEqual(t, f.sess.AuthToken, target.AuthToken)

	file, err := f.client.Upload(ctx, target, b2.UploadRequest{
		Name:        "dir/with space/ünï.txt",
		Data:        data,
		ContentType: "text/plain",
		SHA1:        sha1Hex(data),
		ModTime:     mod,
	})
	require.NoError(t, err)
	assert.Equal(t, "dir/with space/ünï.txt", file.Name)
	assert.Equal(t, int64(len(data)), file.Size)
	assert.Equal(t, mod, file.ModTime())

	stored, ok := f.fake.Object("photos", "dir/with space/ünï.txt")
	require.True(t, ok)
	assert.Equal(t, data, stored.Data)

	dl, err := f.client.DownloadByName(ctx, f.sess, "photos", "dir/with space/ünï.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, data, dl.Data)
	assert.False(t, dl.Partial)
	assert.Equal(t, file.ID, dl.File.ID)
	assert.Equal(t, sha1Hex(data), dl.File.SHA1)
	assert.Equal(t, mod, dl.File.ModTime())

	part, err := f.client.DownloadByName(ctx, f.sess, "photos", "dir/with space/ünï.txt", &b2.Range{Offset: 7, Length: 6})
	require.NoError(t, err)
	assert.True(t, part.Partial)
	assert.Equal(t, []byte("object"), part.Data)
}

func TestUploadSHA1Mismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.client.GetUploadURL(ctx, f.sess, f.bucketID)
	require.NoError(t, err)

	_, err = f.client.Upload(ctx, target, b2.UploadRequest{
		Name:        "x",
		Data:        []byte("abc"),
		ContentType: "text/plain",
		SHA1:        sha1Hex([]byte("other")),
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))
}

func TestUploadExpiredTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.client.GetUploadURL(ctx, f.sess, f.bucketID)
	require.NoError(t, err)
	f.fake.ExpireUploadTargets()

	_, err = f.client.Upload(ctx, target, b2.UploadRequest{Name: "x", Data: []byte("a"), ContentType: "text/plain", SHA1: sha1Hex([]byte("a"))})
	require.Error(t, err)
	assert.True(t, errors.IsAuthExpired(err))
}

func TestDownloadErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.Put("photos", "small", []byte("abc"), "text/plain")

	_, err := f.client.DownloadByName(ctx, f.sess, "photos", "missing", nil)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))

	_, err = f.client.DownloadByName(ctx, f.sess, "photos", "small", &b2.Range{Offset: 10, Length: 5})
	assert.Equal(t, errors.ErrCodeRangeNotSatisfiable, errors.CodeOf(err))
}

func TestDeleteAndCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.fake.Put("photos", "a.txt", []byte("payload"), "text/plain")

	copied, err := f.client.CopyFile(ctx, f.sess, b2.CopyRequest{SourceFileID: src.ID, Name: "b.txt"})
	require.NoError(t, err)
	assert.Equal(t, "b.txt", copied.Name)
	assert.NotEqual(t, src.ID, copied.ID)

	require.NoError(t, f.client.DeleteFileVersion(ctx, f.sess, "a.txt", src.ID))
	assert.Equal(t, []string{"b.txt"}, f.fake.Names("photos"))

	err = f.client.DeleteFileVersion(ctx, f.sess, "a.txt", src.ID)
	assert.Equal(t, errors.ErrCodeInvalidRequest, errors.CodeOf(err))
}

func TestExpiredSessionIsAuthExpired(t *testing.T) {
	f := newFixture(t)
	f.fake.ExpireSession()

	_, err := f.client.ListFileNames(context.Background(), f.sess, b2.ListRequest{BucketID: f.bucketID})
	require.Error(t, err)
	assert.True(t, errors.IsAuthExpired(err))

	e, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "expired_auth_token", e.RemoteCode)
	assert.Equal(t, 401, e.HTTPStatus)
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.client.ListFileNames(ctx, f.sess, b2.ListRequest{BucketID: f.bucketID})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTransportFailure, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
	assert.ErrorIs(t, err, context.Canceled)
}
