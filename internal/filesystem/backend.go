// Package filesystem maps filesystem operations onto the flat object
// namespace. Backend combines the object-store client, the session, and both
// cache tiers: every remote call runs once, and once more after a session
// refresh if the first attempt reported an expired token.
package filesystem

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/objectfs/b2fs/internal/cache"
	"github.com/objectfs/b2fs/internal/storage/b2"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

// DefaultListPageSize is the largest page the list endpoint accepts.
const DefaultListPageSize = 1000

// maxIdleUploadTargets bounds the pool of reusable upload targets.
const maxIdleUploadTargets = 8

// Options wires a Backend.
type Options struct {
	Client   *b2.Client
	Sessions *b2.SessionManager
	Metadata *cache.MetadataCache
	Content  *cache.ContentCache

	BucketID   string
	BucketName string

	ListPageSize int
	// MetadataTTL overrides the metadata cache default when positive.
	MetadataTTL time.Duration

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

// Backend is the domain orchestrator for one bucket.
type Backend struct {
	client   *b2.Client
	sessions *b2.SessionManager
	meta     *cache.MetadataCache
	content  *cache.ContentCache

	bucketID   string
	bucketName string
	pageSize   int
	ttl        time.Duration

	uploadMu sync.Mutex
	uploads  []*types.UploadTarget

	logger  *zap.Logger
	metrics types.MetricsCollector
}

// Directory is one listed directory: the node itself and its children.
type Directory struct {
	Self    types.Entry
	Entries []types.Entry
}

// NewBackend validates opts and creates a Backend.
func NewBackend(opts Options) (*Backend, error) {
	switch {
	case opts.Client == nil, opts.Sessions == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend needs a client and a session manager").WithComponent("filesystem")
	case opts.Metadata == nil, opts.Content == nil:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend needs both cache tiers").WithComponent("filesystem")
	case opts.BucketID == "" || opts.BucketName == "":
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend needs a resolved bucket id and name").WithComponent("filesystem")
	}
	pageSize := opts.ListPageSize
	if pageSize <= 0 || pageSize > DefaultListPageSize {
		pageSize = DefaultListPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics types.MetricsCollector = types.NopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	return &Backend{
		client:     opts.Client,
		sessions:   opts.Sessions,
		meta:       opts.Metadata,
		content:    opts.Content,
		bucketID:   opts.BucketID,
		bucketName: opts.BucketName,
		pageSize:   pageSize,
		ttl:        opts.MetadataTTL,
		logger:     logger.Named("filesystem").With(zap.String("bucket", opts.BucketName)),
		metrics:    metrics,
	}, nil
}

// BucketID returns the bucket this backend serves.
func (b *Backend) BucketID() string {
	return b.bucketID
}

// BucketName returns the bucket's name.
func (b *Backend) BucketName() string {
	return b.bucketName
}

// withReauth runs fn with the current session. If it fails with an expired
// token, the session is refreshed and fn runs exactly once more. Any other
// error is returned unchanged.
func withReauth[T any](ctx context.Context, b *Backend, op string, fn func(*types.Session) (T, error)) (T, error) {
	var zero T
	sess, err := b.sessions.Session(ctx)
	if err != nil {
		return zero, err
	}
	out, err := fn(sess)
	if !errors.IsAuthExpired(err) {
		return out, err
	}

	b.metrics.RecordRetry(op, "auth_expired")
	b.logger.Debug("session expired, refreshing", zap.String("operation", op))
	sess, err = b.sessions.Refresh(ctx, sess)
	if err != nil {
		return zero, err
	}
	return fn(sess)
}

// kindOf resolves the two directory signals once, when an entry is built.
func kindOf(f *b2.File) types.EntryKind {
	switch {
	case f.Action == "folder":
		return types.KindVirtualDir
	case strings.HasSuffix(f.Name, types.PathSeparator):
		return types.KindMarkerDir
	default:
		return types.KindFile
	}
}

func (b *Backend) entryFromFile(f *b2.File) types.Entry {
	e := types.Entry{
		Path:     f.Name,
		BucketID: b.bucketID,
		Kind:     kindOf(f),
	}
	if e.Kind == types.KindVirtualDir {
		return e
	}
	e.FileID = f.ID
	e.SHA1 = f.SHA1
	e.ContentType = f.ContentType
	e.ModTime = f.ModTime()
	if e.Kind == types.KindFile {
		e.Size = f.Size
	}
	return e
}

func rootEntry(bucketID string) types.Entry {
	return types.Entry{Path: "", BucketID: bucketID, Kind: types.KindVirtualDir}
}

// ListDirectory returns the children of dir, which is "" for the root.
func (b *Backend) ListDirectory(ctx context.Context, dir string) ([]types.Entry, error) {
	d, err := b.ReadDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	return d.Entries, nil
}

// ReadDirectory lists dir and reports how dir itself is represented: a
// marker directory carries the file ID needed to delete it.
func (b *Backend) ReadDirectory(ctx context.Context, dir string) (*Directory, error) {
	dir = utils.DirKey(dir)
	if entries, ok := b.meta.GetListing(b.bucketID, dir); ok {
		if self, ok := b.selfEntry(dir); ok {
			return &Directory{Self: self, Entries: entries}, nil
		}
	}

	gen := b.meta.Generation()
	self := types.Entry{Path: dir, BucketID: b.bucketID, Kind: types.KindVirtualDir}
	if dir == "" {
		self = rootEntry(b.bucketID)
	}
	seen := make(map[string]int)
	var entries []types.Entry
	start := ""
	pages := 0
	for {
		req := b2.ListRequest{
			BucketID:      b.bucketID,
			Prefix:        dir,
			Delimiter:     types.PathSeparator,
			StartFileName: start,
			MaxFileCount:  b.pageSize,
		}
		page, err := withReauth(ctx, b, "list_file_names", func(sess *types.Session) (*b2.ListPage, error) {
			return b.client.ListFileNames(ctx, sess, req)
		})
		if err != nil {
			return nil, err
		}
		pages++

		for i := range page.Files {
			f := &page.Files[i]
			if f.Action != "upload" && f.Action != "folder" {
				continue
			}
			if f.Name == dir {
				if dir != "" {
					self = b.entryFromFile(f)
				}
				continue
			}
			if IsNoise(utils.BaseName(f.Name)) {
				continue
			}
			e := b.entryFromFile(f)
			if at, dup := seen[e.Path]; dup {
				if e.Kind == types.KindMarkerDir {
					entries[at] = e
				}
				continue
			}
			seen[e.Path] = len(entries)
			entries = append(entries, e)
		}

		if page.NextFileName == "" {
			break
		}
		start = page.NextFileName
	}

	cached := b.meta.FillListing(b.bucketID, dir, self, entries, b.ttl, gen)
	b.logger.Debug("listed directory",
		zap.String("dir", dir),
		zap.Int("entries", len(entries)),
		zap.Int("pages", pages),
		zap.Bool("marker", self.Kind == types.KindMarkerDir),
		zap.Bool("cached", cached))

	return &Directory{Self: self, Entries: entries}, nil
}

func (b *Backend) selfEntry(dir string) (types.Entry, bool) {
	if dir == "" {
		return rootEntry(b.bucketID), true
	}
	e, ok := b.meta.GetEntry(b.bucketID, dir)
	if !ok || !e.IsDir() {
		return types.Entry{}, false
	}
	return e, true
}

// Stat resolves one key. A key without a trailing separator matches either a
// file of that name or a directory of that name, the file first.
func (b *Backend) Stat(ctx context.Context, key string) (types.Entry, error) {
	if key == "" {
		return rootEntry(b.bucketID), nil
	}
	if e, ok := b.meta.GetEntry(b.bucketID, key); ok {
		return e, nil
	}

	entries, err := b.ListDirectory(ctx, utils.ParentKey(key))
	if err != nil {
		return types.Entry{}, err
	}
	bare := strings.TrimSuffix(key, types.PathSeparator)
	var dir *types.Entry
	for i := range entries {
		switch entries[i].Path {
		case key:
			if !utils.IsDirKey(key) || entries[i].IsDir() {
				return entries[i], nil
			}
		case bare + types.PathSeparator:
			dir = &entries[i]
		}
	}
	if dir != nil {
		return *dir, nil
	}
	return types.Entry{}, errors.NewError(errors.ErrCodeNotFound, "no such file or directory").
		WithComponent("filesystem").
		WithOperation("stat").
		WithContext("key", key)
}

// Download returns the whole contents of key, from the content cache when
// possible. Only a complete successful fetch is cached, and not when key was
// changed while the fetch was in flight.
func (b *Backend) Download(ctx context.Context, key string) ([]byte, error) {
	if data, ok := b.content.Get(b.bucketID, key); ok {
		return data, nil
	}
	gen := b.content.Generation()
	dl, err := withReauth(ctx, b, "download", func(sess *types.Session) (*b2.Download, error) {
		return b.client.DownloadByName(ctx, sess, b.bucketName, key, nil)
	})
	if err != nil {
		return nil, err
	}
	stored, err := b.content.Fill(b.bucketID, key, dl.Data, gen)
	switch {
	case err != nil:
		b.logger.Warn("content cache put failed", zap.String("key", key), zap.Error(err))
	case !stored:
		b.logger.Debug("not caching download", zap.String("key", key))
	}
	return dl.Data, nil
}

// DownloadRange returns length bytes of key starting at offset. Ranges always
// go to the network and are never cached.
func (b *Backend) DownloadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "range needs a non-negative offset and a positive length").
			WithComponent("filesystem").
			WithOperation("download")
	}
	dl, err := withReauth(ctx, b, "download", func(sess *types.Session) (*b2.Download, error) {
		return b.client.DownloadByName(ctx, sess, b.bucketName, key, &b2.Range{Offset: offset, Length: length})
	})
	if err != nil {
		return nil, err
	}
	return dl.Data, nil
}

// Upload stores data at key. The content type is sniffed from data.
func (b *Backend) Upload(ctx context.Context, key string, data []byte, modTime time.Time) (types.Entry, error) {
	if err := utils.ValidateKey(key); err != nil {
		return types.Entry{}, errors.Wrap(errors.ErrCodeInvalidRequest, err, "invalid key").WithComponent("filesystem").WithOperation("upload")
	}
	if utils.IsDirKey(key) {
		return types.Entry{}, errors.NewError(errors.ErrCodeIsDirectory, "cannot upload file contents to a directory key").
			WithComponent("filesystem").
			WithOperation("upload").
			WithContext("key", key)
	}
	return b.put(ctx, key, data, mimetype.Detect(data).String(), modTime)
}

// CreateDirectory writes a zero-length marker at dir + "/".
func (b *Backend) CreateDirectory(ctx context.Context, dir string) (types.Entry, error) {
	dir = utils.DirKey(dir)
	if err := utils.ValidateKey(dir); err != nil {
		return types.Entry{}, errors.Wrap(errors.ErrCodeInvalidRequest, err, "invalid directory").WithComponent("filesystem").WithOperation("mkdir")
	}
	return b.put(ctx, dir, nil, types.DirectoryContentType, time.Now())
}

func (b *Backend) put(ctx context.Context, key string, data []byte, contentType string, modTime time.Time) (types.Entry, error) {
	if int64(len(data)) > b2.MaxSinglePartSize {
		return types.Entry{}, errors.Newf(errors.ErrCodeInvalidRequest, "%d bytes exceeds the single upload limit", len(data)).
			WithComponent("filesystem").
			WithOperation("upload").
			WithContext("key", key)
	}
	sum := sha1.Sum(data)
	req := b2.UploadRequest{
		Name:        key,
		Data:        data,
		ContentType: contentType,
		SHA1:        hex.EncodeToString(sum[:]),
		ModTime:     modTime,
	}

	file, err := b.upload(ctx, req)
	if err != nil {
		return types.Entry{}, err
	}

	b.meta.Invalidate(b.bucketID, key)
	if err := b.content.Remove(b.bucketID, key); err != nil {
		b.logger.Warn("content cache remove failed", zap.String("key", key), zap.Error(err))
	}
	entry := b.entryFromFile(file)
	b.meta.PutEntry(b.bucketID, key, entry, b.ttl)
	b.logger.Debug("uploaded", zap.String("key", key), zap.Int("size", len(data)), zap.String("file_id", file.ID))
	return entry, nil
}

// upload sends req to a pooled upload target. A retryable or expired-token
// failure discards that target and retries once with a freshly issued one.
func (b *Backend) upload(ctx context.Context, req b2.UploadRequest) (*b2.File, error) {
	target, err := b.getUploadTarget(ctx)
	if err != nil {
		return nil, err
	}
	file, err := b.client.Upload(ctx, target, req)
	if err == nil {
		b.returnUploadTarget(target)
		return file, nil
	}
	if !errors.IsRetryable(err) && !errors.IsAuthExpired(err) {
		b.returnUploadTarget(target)
		return nil, err
	}

	b.metrics.RecordRetry("upload", "upload_target")
	b.logger.Debug("upload target failed, requesting a new one", zap.String("key", req.Name), zap.Error(err))
	target, err = b.newUploadTarget(ctx)
	if err != nil {
		return nil, err
	}
	file, err = b.client.Upload(ctx, target, req)
	if err != nil {
		if !errors.IsRetryable(err) && !errors.IsAuthExpired(err) {
			b.returnUploadTarget(target)
		}
		return nil, err
	}
	b.returnUploadTarget(target)
	return file, nil
}

func (b *Backend) getUploadTarget(ctx context.Context) (*types.UploadTarget, error) {
	b.uploadMu.Lock()
	if n := len(b.uploads); n > 0 {
		target := b.uploads[n-1]
		b.uploads = b.uploads[:n-1]
		b.uploadMu.Unlock()
		return target, nil
	}
	b.uploadMu.Unlock()
	return b.newUploadTarget(ctx)
}

func (b *Backend) newUploadTarget(ctx context.Context) (*types.UploadTarget, error) {
	return withReauth(ctx, b, "get_upload_url", func(sess *types.Session) (*types.UploadTarget, error) {
		return b.client.GetUploadURL(ctx, sess, b.bucketID)
	})
}

func (b *Backend) returnUploadTarget(target *types.UploadTarget) {
	b.uploadMu.Lock()
	defer b.uploadMu.Unlock()
	if len(b.uploads) < maxIdleUploadTargets {
		b.uploads = append(b.uploads, target)
	}
}

// Delete removes one version of key. The remote needs both the name and the
// file ID.
func (b *Backend) Delete(ctx context.Context, key, fileID string) error {
	if fileID == "" {
		return errors.NewError(errors.ErrCodeInvalidRequest, "delete needs a remote file id").
			WithComponent("filesystem").
			WithOperation("delete").
			WithContext("key", key)
	}
	_, err := withReauth(ctx, b, "delete_file_version", func(sess *types.Session) (struct{}, error) {
		return struct{}{}, b.client.DeleteFileVersion(ctx, sess, key, fileID)
	})
	if err != nil {
		return err
	}

	b.meta.Invalidate(b.bucketID, key)
	if err := b.content.Remove(b.bucketID, key); err != nil {
		b.logger.Warn("content cache remove failed", zap.String("key", key), zap.Error(err))
	}
	b.logger.Debug("deleted", zap.String("key", key), zap.String("file_id", fileID))
	return nil
}

// Copy duplicates src at dstKey on the server.
func (b *Backend) Copy(ctx context.Context, src types.Entry, dstKey string) (types.Entry, error) {
	if src.IsDir() {
		return types.Entry{}, errors.NewError(errors.ErrCodeUnsupported, "directories cannot be copied").
			WithComponent("filesystem").
			WithOperation("copy").
			WithContext("key", src.Path)
	}
	if src.FileID == "" {
		return types.Entry{}, errors.NewError(errors.ErrCodeInvalidRequest, "copy needs a remote file id").
			WithComponent("filesystem").
			WithOperation("copy").
			WithContext("key", src.Path)
	}
	if err := utils.ValidateKey(dstKey); err != nil {
		return types.Entry{}, errors.Wrap(errors.ErrCodeInvalidRequest, err, "invalid key").WithComponent("filesystem").WithOperation("copy")
	}

	file, err := withReauth(ctx, b, "copy_file", func(sess *types.Session) (*b2.File, error) {
		return b.client.CopyFile(ctx, sess, b2.CopyRequest{SourceFileID: src.FileID, Name: dstKey})
	})
	if err != nil {
		return types.Entry{}, err
	}

	b.meta.Invalidate(b.bucketID, dstKey)
	if err := b.content.Remove(b.bucketID, dstKey); err != nil {
		b.logger.Warn("content cache remove failed", zap.String("key", dstKey), zap.Error(err))
	}
	entry := b.entryFromFile(file)
	b.meta.PutEntry(b.bucketID, dstKey, entry, b.ttl)
	return entry, nil
}

// Rename copies src to dstKey and then deletes src. Directories are refused.
// If the delete fails after the copy succeeded, both names stay live and the
// error is RENAME_INCOMPLETE; the returned entry is the new copy.
func (b *Backend) Rename(ctx context.Context, src types.Entry, dstKey string) (types.Entry, error) {
	if src.IsDir() {
		return types.Entry{}, errors.NewError(errors.ErrCodeUnsupported, "directory rename is not supported").
			WithComponent("filesystem").
			WithOperation("rename").
			WithContext("key", src.Path)
	}

	copied, err := b.Copy(ctx, src, dstKey)
	if err != nil {
		return types.Entry{}, err
	}
	if err := b.Delete(ctx, src.Path, src.FileID); err != nil {
		b.meta.Invalidate(b.bucketID, src.Path)
		b.logger.Warn("rename left both names in place",
			zap.String("from", src.Path),
			zap.String("to", dstKey),
			zap.Error(err))
		return copied, errors.Wrap(errors.ErrCodeRenameIncomplete, err, "copied but could not delete the source").
			WithComponent("filesystem").
			WithOperation("rename").
			WithContext("from", src.Path).
			WithContext("to", dstKey)
	}
	return copied, nil
}
