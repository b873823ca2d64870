package hostfs

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/b2fs/internal/filesystem"
	"github.com/objectfs/b2fs/internal/logging"
	"github.com/objectfs/b2fs/internal/staging"
	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

const (
	// DefaultEnumeratePageSize is the number of entries returned per Enumerate call.
	DefaultEnumeratePageSize = 256
	// DefaultWholeReadLimit is the largest file read through the content cache.
	// Larger files are read with ranged downloads.
	DefaultWholeReadLimit int64 = 64 << 20
)

// Store is the remote side of the resolver. *filesystem.Backend implements it.
type Store interface {
	ReadDirectory(ctx context.Context, dir string) (*filesystem.Directory, error)
	Stat(ctx context.Context, key string) (types.Entry, error)
	Download(ctx context.Context, key string) ([]byte, error)
	DownloadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, modTime time.Time) (types.Entry, error)
	CreateDirectory(ctx context.Context, dir string) (types.Entry, error)
	Delete(ctx context.Context, key, fileID string) error
	Rename(ctx context.Context, src types.Entry, dstKey string) (types.Entry, error)
}

// Attributes describe one node as the host binding sees it.
type Attributes struct {
	ID      NodeID
	Name    string
	Key     string
	Kind    types.EntryKind
	Size    int64
	ModTime time.Time
	// Pending is set while local writes are not uploaded.
	Pending bool
}

// IsDir reports whether the node is a directory.
func (a Attributes) IsDir() bool {
	return a.Kind.IsDir()
}

// AttrUpdate lists the attributes SetAttributes changes. Nil fields are left
// alone.
type AttrUpdate struct {
	Size *int64
}

// OpenMode is a bit set of open flags.
type OpenMode int

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	// OpenTruncate empties the file on open. It implies OpenWrite.
	OpenTruncate

	OpenReadWrite = OpenRead | OpenWrite
)

func (m OpenMode) writable() bool {
	return m&(OpenWrite|OpenTruncate) != 0
}

// HandleID identifies an open file.
type HandleID uint64

// EnumeratePage is one batch of directory entries. A zero Cookie means the
// listing is complete; otherwise pass it to the next Enumerate call.
type EnumeratePage struct {
	Entries []Attributes
	Cookie  uint64
}

// Stats counts resolver operations.
type Stats struct {
	Lookups    int64 `json:"lookups"`
	Enumerates int64 `json:"enumerates"`
	Opens      int64 `json:"opens"`
	Reads      int64 `json:"reads"`
	Writes     int64 `json:"writes"`
	Creates    int64 `json:"creates"`
	Removes    int64 `json:"removes"`
	Renames    int64 `json:"renames"`
	Uploads    int64 `json:"uploads"`
	Errors     int64 `json:"errors"`

	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
}

type counters struct {
	lookups, enumerates, opens, reads, writes  atomic.Int64
	creates, removes, renames, uploads, errors atomic.Int64
	bytesRead, bytesWritten                    atomic.Int64
}

// Options configures a Resolver.
type Options struct {
	Store   Store
	Staging *staging.Manager

	EnumeratePageSize int
	WholeReadLimit    int64

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

type handle struct {
	id    HandleID
	node  NodeID
	key   string
	mode  OpenMode
	size  int64
	noise bool
}

// seed is the remote state a staging record starts from.
type seed struct {
	data   []byte
	fileID string
}

// Resolver implements the host call shape on top of a Store and the staging
// area. Reads go to the store; writes land in staging and are uploaded when
// the last writable handle for a file closes.
type Resolver struct {
	store   Store
	staging *staging.Manager
	nodes   *nodeTable

	pageSize       int
	wholeReadLimit int64

	mu         sync.Mutex
	handles    map[HandleID]*handle
	nextHandle HandleID
	writers    map[string]int
	pending    map[string]types.Entry
	noise      map[string]time.Time

	seeds singleflight.Group
	stats counters

	logger  *zap.Logger
	metrics types.MetricsCollector
}

// NewResolver creates a resolver with only the root node known.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil || opts.Staging == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "resolver needs a store and a staging manager").
			WithComponent("hostfs")
	}
	if opts.EnumeratePageSize <= 0 {
		opts.EnumeratePageSize = DefaultEnumeratePageSize
	}
	if opts.WholeReadLimit <= 0 {
		opts.WholeReadLimit = DefaultWholeReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = types.NopMetrics{}
	}
	return &Resolver{
		store:          opts.Store,
		staging:        opts.Staging,
		nodes:          newNodeTable(),
		pageSize:       opts.EnumeratePageSize,
		wholeReadLimit: opts.WholeReadLimit,
		handles:        make(map[HandleID]*handle),
		nextHandle:     1,
		writers:        make(map[string]int),
		pending:        make(map[string]types.Entry),
		noise:          make(map[string]time.Time),
		logger:         opts.Logger.Named("hostfs"),
		metrics:        opts.Metrics,
	}, nil
}

// Stats returns a snapshot of the operation counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Lookups:      r.stats.lookups.Load(),
		Enumerates:   r.stats.enumerates.Load(),
		Opens:        r.stats.opens.Load(),
		Reads:        r.stats.reads.Load(),
		Writes:       r.stats.writes.Load(),
		Creates:      r.stats.creates.Load(),
		Removes:      r.stats.removes.Load(),
		Renames:      r.stats.renames.Load(),
		Uploads:      r.stats.uploads.Load(),
		Errors:       r.stats.errors.Load(),
		BytesRead:    r.stats.bytesRead.Load(),
		BytesWritten: r.stats.bytesWritten.Load(),
	}
}

// Lookup resolves name inside parent.
func (r *Resolver) Lookup(ctx context.Context, parent NodeID, name string) (Attributes, error) {
	r.stats.lookups.Add(1)
	p, err := r.dirNode("lookup", parent)
	if err != nil {
		return Attributes{}, r.fail(ctx, "lookup", err)
	}
	if err := checkName("lookup", name); err != nil {
		return Attributes{}, r.fail(ctx, "lookup", err)
	}
	key := utils.JoinKey(p.key, name)

	if filesystem.IsNoise(name) {
		return r.lookupNoise(key)
	}

	entries, err := r.children(ctx, p.key)
	if err != nil {
		return Attributes{}, r.fail(ctx, "lookup", err)
	}
	e, ok := match(entries, key)
	if !ok {
		return Attributes{}, notFound("lookup", key)
	}
	return r.attributes(e), nil
}

// Enumerate returns the page of dir's entries that starts at cookie.
func (r *Resolver) Enumerate(ctx context.Context, dir NodeID, cookie uint64) (EnumeratePage, error) {
	r.stats.enumerates.Add(1)
	d, err := r.dirNode("enumerate", dir)
	if err != nil {
		return EnumeratePage{}, r.fail(ctx, "enumerate", err)
	}
	entries, err := r.children(ctx, d.key)
	if err != nil {
		return EnumeratePage{}, r.fail(ctx, "enumerate", err)
	}
	entries = r.withNoise(d.key, entries)

	start := len(entries)
	if cookie < uint64(len(entries)) {
		start = int(cookie)
	}
	end := start + r.pageSize
	if end > len(entries) {
		end = len(entries)
	}

	page := EnumeratePage{Entries: make([]Attributes, 0, end-start)}
	for _, e := range entries[start:end] {
		page.Entries = append(page.Entries, r.attributes(e))
	}
	if end < len(entries) {
		page.Cookie = uint64(end)
	}
	return page, nil
}

// GetAttributes returns the current attributes of id.
func (r *Resolver) GetAttributes(ctx context.Context, id NodeID) (Attributes, error) {
	n, ok := r.nodes.get(id)
	if !ok {
		return Attributes{}, invalidNode("get-attributes", id)
	}
	if n.key == "" {
		return Attributes{ID: RootID, Kind: types.KindVirtualDir}, nil
	}
	if filesystem.IsNoise(utils.BaseName(n.key)) {
		return r.lookupNoise(n.key)
	}
	if e, ok := r.pendingEntry(n.key); ok {
		return r.attributes(e), nil
	}

	e, err := r.store.Stat(ctx, n.key)
	if err != nil {
		return Attributes{}, r.fail(ctx, "get-attributes", err)
	}
	if e.Path != n.key {
		return Attributes{}, notFound("get-attributes", n.key)
	}
	return r.attributes(e), nil
}

// SetAttributes applies upd to a file. A size change on a file that is not
// open for writing is uploaded before SetAttributes returns; otherwise it is
// uploaded when the last writer closes.
func (r *Resolver) SetAttributes(ctx context.Context, id NodeID, upd AttrUpdate) (Attributes, error) {
	n, ok := r.nodes.get(id)
	if !ok {
		return Attributes{}, invalidNode("set-attributes", id)
	}
	if n.isDir() {
		return Attributes{}, errors.Newf(errors.ErrCodeIsDirectory, "cannot set attributes of directory %q", n.key).
			WithComponent("hostfs").WithOperation("set-attributes")
	}
	if upd.Size == nil || filesystem.IsNoise(utils.BaseName(n.key)) {
		return r.GetAttributes(ctx, id)
	}
	size := *upd.Size
	if size < 0 {
		return Attributes{}, errors.Newf(errors.ErrCodeInvalidRequest, "negative size %d", size).
			WithComponent("hostfs").WithOperation("set-attributes")
	}

	if err := r.acquireWriter(ctx, n.key, size == 0); err != nil {
		return Attributes{}, r.fail(ctx, "set-attributes", err)
	}
	err := r.staging.Truncate(n.key, size)
	if err == nil {
		r.trackPending(n.key)
	}
	if rerr := r.releaseWriter(ctx, n.key); err == nil {
		err = rerr
	}
	if err != nil {
		return Attributes{}, r.fail(ctx, "set-attributes", err)
	}
	return r.GetAttributes(ctx, id)
}

// Create makes a new file or directory in parent. A directory is created
// remotely at once; a file is staged and uploaded when its last writer
// closes, or by FlushAll.
func (r *Resolver) Create(ctx context.Context, parent NodeID, name string, isDir bool) (Attributes, error) {
	r.stats.creates.Add(1)
	p, err := r.dirNode("create", parent)
	if err != nil {
		return Attributes{}, r.fail(ctx, "create", err)
	}
	if err := checkName("create", name); err != nil {
		return Attributes{}, r.fail(ctx, "create", err)
	}
	key := utils.JoinKey(p.key, name)
	if isDir {
		key = utils.DirKey(key)
	}

	if filesystem.IsNoise(name) {
		r.mu.Lock()
		r.noise[key] = time.Now()
		r.mu.Unlock()
		return r.lookupNoise(key)
	}

	entries, err := r.children(ctx, p.key)
	if err != nil {
		return Attributes{}, r.fail(ctx, "create", err)
	}
	if _, ok := match(entries, utils.JoinKey(p.key, name)); ok {
		return Attributes{}, errors.Newf(errors.ErrCodeExists, "%q already exists", key).
			WithComponent("hostfs").WithOperation("create")
	}

	if isDir {
		e, err := r.store.CreateDirectory(ctx, key)
		if err != nil {
			return Attributes{}, r.fail(ctx, "create", err)
		}
		return r.attributes(e), nil
	}

	if err := r.staging.CreateNew(key); err != nil {
		return Attributes{}, r.fail(ctx, "create", err)
	}
	e := r.trackPending(key)
	return r.attributes(e), nil
}

// Remove deletes name from parent. A directory must be empty.
func (r *Resolver) Remove(ctx context.Context, parent NodeID, name string) error {
	r.stats.removes.Add(1)
	p, err := r.dirNode("remove", parent)
	if err != nil {
		return r.fail(ctx, "remove", err)
	}
	if err := checkName("remove", name); err != nil {
		return r.fail(ctx, "remove", err)
	}
	key := utils.JoinKey(p.key, name)

	if filesystem.IsNoise(name) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, k := range []string{key, utils.DirKey(key)} {
			if _, ok := r.noise[k]; ok {
				delete(r.noise, k)
				r.nodes.forget(k)
				return nil
			}
		}
		return notFound("remove", key)
	}

	entries, err := r.children(ctx, p.key)
	if err != nil {
		return r.fail(ctx, "remove", err)
	}
	e, ok := match(entries, key)
	if !ok {
		return notFound("remove", key)
	}
	if e.IsDir() {
		return r.removeDirectory(ctx, e)
	}

	r.mu.Lock()
	busy := r.writers[key] > 0
	r.mu.Unlock()
	if busy {
		return errors.Newf(errors.ErrCodeStagingDirty, "%q is open for writing", key).
			WithComponent("hostfs").WithOperation("remove")
	}

	// Staged writes survive a failed delete.
	if e.FileID != "" {
		if err := r.store.Delete(ctx, key, e.FileID); err != nil {
			return r.fail(ctx, "remove", err)
		}
	}

	r.mu.Lock()
	reopened := r.writers[key] > 0
	if !reopened {
		err = r.staging.Discard(key)
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("discarding staged file", zap.String("key", key), zap.Error(err))
	}
	if !reopened {
		r.nodes.forget(key)
	}
	return nil
}

func (r *Resolver) removeDirectory(ctx context.Context, e types.Entry) error {
	dir, err := r.store.ReadDirectory(ctx, e.Path)
	if err != nil {
		return r.fail(ctx, "remove", err)
	}
	if len(r.withPending(e.Path, dir.Entries)) > 0 {
		return errors.Newf(errors.ErrCodeNotEmpty, "directory %q is not empty", e.Path).
			WithComponent("hostfs").WithOperation("remove")
	}
	if dir.Self.Kind == types.KindMarkerDir {
		if err := r.store.Delete(ctx, e.Path, dir.Self.FileID); err != nil {
			return r.fail(ctx, "remove", err)
		}
	}
	r.nodes.forget(e.Path)
	return nil
}

// Rename moves a file. Directories cannot be renamed. When the copy succeeds
// but the old name cannot be deleted, both names stay visible and the error
// carries RENAME_INCOMPLETE.
func (r *Resolver) Rename(ctx context.Context, srcParent NodeID, srcName string, dstParent NodeID, dstName string) error {
	r.stats.renames.Add(1)
	sp, err := r.dirNode("rename", srcParent)
	if err != nil {
		return r.fail(ctx, "rename", err)
	}
	dp, err := r.dirNode("rename", dstParent)
	if err != nil {
		return r.fail(ctx, "rename", err)
	}
	if err := checkName("rename", srcName); err != nil {
		return r.fail(ctx, "rename", err)
	}
	if err := checkName("rename", dstName); err != nil {
		return r.fail(ctx, "rename", err)
	}
	srcKey := utils.JoinKey(sp.key, srcName)
	dstKey := utils.JoinKey(dp.key, dstName)
	if srcKey == dstKey {
		return nil
	}

	if filesystem.IsNoise(srcName) || filesystem.IsNoise(dstName) {
		return r.renameNoise(srcKey, dstKey, filesystem.IsNoise(srcName) && filesystem.IsNoise(dstName))
	}

	srcEntries, err := r.children(ctx, sp.key)
	if err != nil {
		return r.fail(ctx, "rename", err)
	}
	src, ok := match(srcEntries, srcKey)
	if !ok {
		return notFound("rename", srcKey)
	}
	if src.IsDir() {
		return errors.Newf(errors.ErrCodeUnsupported, "renaming directory %q is not supported", src.Path).
			WithComponent("hostfs").WithOperation("rename")
	}
	dstEntries, err := r.children(ctx, dp.key)
	if err != nil {
		return r.fail(ctx, "rename", err)
	}
	if contains(dstEntries, utils.DirKey(dstKey)) {
		return errors.Newf(errors.ErrCodeIsDirectory, "%q is a directory", dstKey).
			WithComponent("hostfs").WithOperation("rename")
	}

	r.mu.Lock()
	busy := r.writers[srcKey] > 0 || r.writers[dstKey] > 0
	r.mu.Unlock()
	if busy {
		return errors.Newf(errors.ErrCodeStagingDirty, "%q or %q is open for writing", srcKey, dstKey).
			WithComponent("hostfs").WithOperation("rename")
	}

	// Local writes go up first; the rename copies the remote object.
	if r.staging.IsDirty(srcKey) {
		uploaded, err := r.flush(ctx, srcKey)
		if err != nil {
			return r.fail(ctx, "rename", err)
		}
		src = uploaded
	}
	if src.FileID == "" {
		return errors.Newf(errors.ErrCodeInvalidRequest, "%q has no uploaded version", srcKey).
			WithComponent("hostfs").WithOperation("rename")
	}

	moved, err := r.store.Rename(ctx, src, dstKey)
	if err != nil && !errors.HasCode(err, errors.ErrCodeRenameIncomplete) {
		return r.fail(ctx, "rename", err)
	}

	r.mu.Lock()
	if derr := r.staging.Discard(dstKey); derr != nil {
		r.logger.Warn("discarding replaced staging record", zap.String("key", dstKey), zap.Error(derr))
	}
	delete(r.pending, dstKey)
	if err == nil {
		if rerr := r.staging.Remove(srcKey); rerr != nil {
			r.logger.Warn("removing renamed staging record", zap.String("key", srcKey), zap.Error(rerr))
		}
	}
	r.mu.Unlock()

	if err != nil {
		// Both names exist remotely; the destination is a separate node.
		r.nodes.forget(dstKey)
		r.nodes.assign(moved.Path)
		return r.fail(ctx, "rename", err)
	}
	r.nodes.move(srcKey, dstKey)
	return nil
}

// Open returns a handle for id. Writable handles stage the file locally,
// seeded with its remote contents unless mode truncates.
func (r *Resolver) Open(ctx context.Context, id NodeID, mode OpenMode) (HandleID, error) {
	r.stats.opens.Add(1)
	n, ok := r.nodes.get(id)
	if !ok {
		return 0, invalidNode("open", id)
	}
	if n.isDir() {
		return 0, errors.Newf(errors.ErrCodeIsDirectory, "cannot open directory %q", n.key).
			WithComponent("hostfs").WithOperation("open")
	}
	if mode&OpenTruncate != 0 {
		mode |= OpenWrite
	}
	if mode&(OpenRead|OpenWrite) == 0 {
		mode |= OpenRead
	}

	h := &handle{node: id, key: n.key, mode: mode}
	switch {
	case filesystem.IsNoise(utils.BaseName(n.key)):
		if _, err := r.lookupNoise(n.key); err != nil {
			return 0, err
		}
		h.noise = true
	case mode.writable():
		if err := r.acquireWriter(ctx, n.key, mode&OpenTruncate != 0); err != nil {
			return 0, r.fail(ctx, "open", err)
		}
		if mode&OpenTruncate != 0 {
			if err := r.staging.Truncate(n.key, 0); err != nil {
				_ = r.releaseWriter(ctx, n.key)
				return 0, r.fail(ctx, "open", err)
			}
			r.trackPending(n.key)
		}
	default:
		attrs, err := r.GetAttributes(ctx, id)
		if err != nil {
			return 0, err
		}
		h.size = attrs.Size
	}

	r.mu.Lock()
	h.id = r.nextHandle
	r.nextHandle++
	r.handles[h.id] = h
	r.mu.Unlock()
	return h.id, nil
}

// Read returns up to length bytes at offset. A short or empty result means
// end of file.
func (r *Resolver) Read(ctx context.Context, id HandleID, offset int64, length int) ([]byte, error) {
	r.stats.reads.Add(1)
	h, err := r.handle("read", id)
	if err != nil {
		return nil, err
	}
	if h.mode&OpenRead == 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidHandle, "handle %d is not open for reading", id).
			WithComponent("hostfs").WithOperation("read")
	}
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidRequest, "invalid read at %d length %d", offset, length).
			WithComponent("hostfs").WithOperation("read")
	}
	if h.noise || length == 0 {
		return []byte{}, nil
	}

	// Staged contents win over the remote object.
	if r.staging.Exists(h.key) {
		data, err := r.staging.ReadAt(h.key, offset, length)
		if err == nil {
			r.stats.bytesRead.Add(int64(len(data)))
			return data, nil
		}
		if !errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil, r.fail(ctx, "read", err)
		}
	}

	if offset >= h.size {
		return []byte{}, nil
	}
	if remaining := h.size - offset; int64(length) > remaining {
		length = int(remaining)
	}

	var data []byte
	if h.size <= r.wholeReadLimit {
		whole, err := r.store.Download(ctx, h.key)
		if err != nil {
			return nil, r.fail(ctx, "read", err)
		}
		data = window(whole, offset, length)
	} else {
		data, err = r.store.DownloadRange(ctx, h.key, offset, int64(length))
		if err != nil {
			return nil, r.fail(ctx, "read", err)
		}
	}
	r.stats.bytesRead.Add(int64(len(data)))
	return data, nil
}

// Write stores p at offset in the staged copy.
func (r *Resolver) Write(ctx context.Context, id HandleID, offset int64, p []byte) (int, error) {
	r.stats.writes.Add(1)
	h, err := r.handle("write", id)
	if err != nil {
		return 0, err
	}
	if !h.mode.writable() {
		return 0, errors.Newf(errors.ErrCodeInvalidHandle, "handle %d is not open for writing", id).
			WithComponent("hostfs").WithOperation("write")
	}
	if offset < 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidRequest, "invalid write offset %d", offset).
			WithComponent("hostfs").WithOperation("write")
	}
	if h.noise {
		return len(p), nil
	}

	n, err := r.staging.WriteAt(h.key, p, offset)
	if err != nil {
		return n, r.fail(ctx, "write", err)
	}
	r.trackPending(h.key)
	r.stats.bytesWritten.Add(int64(n))
	return n, nil
}

// Close releases a handle. Closing the last writable handle of a file
// uploads its staged contents; if that fails the error is returned and the
// staged copy stays dirty for a later FlushAll.
func (r *Resolver) Close(ctx context.Context, id HandleID) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidHandle, "unknown handle %d", id).
			WithComponent("hostfs").WithOperation("close")
	}
	if h.noise || !h.mode.writable() {
		return nil
	}
	if err := r.releaseWriter(ctx, h.key); err != nil {
		return r.fail(ctx, "close", err)
	}
	return nil
}

// FlushAll uploads every dirty staged file. It returns the keys that are
// still dirty afterwards.
func (r *Resolver) FlushAll(ctx context.Context) ([]string, error) {
	var failed []string
	var errs []error
	for _, key := range r.staging.DirtyKeys() {
		if _, err := r.flush(ctx, key); err != nil {
			failed = append(failed, key)
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		if r.writers[key] == 0 && !r.staging.IsDirty(key) {
			if err := r.staging.Remove(key); err != nil {
				r.logger.Warn("removing flushed staging record", zap.String("key", key), zap.Error(err))
			}
		}
		r.mu.Unlock()
	}
	return failed, stderrors.Join(errs...)
}

// OpenHandles returns the number of live handles.
func (r *Resolver) OpenHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// acquireWriter makes sure key is staged and counts one more writer for it.
// The writer is counted before seeding, so a concurrent last close never
// removes the record being opened.
func (r *Resolver) acquireWriter(ctx context.Context, key string, truncate bool) error {
	r.mu.Lock()
	r.writers[key]++
	staged := r.staging.Exists(key)
	r.mu.Unlock()
	if staged {
		return nil
	}

	s, err := r.fetchSeed(ctx, key, !truncate)
	if err == nil {
		_, err = r.staging.Seed(key, s.data, s.fileID)
	}
	if err != nil {
		if rerr := r.releaseWriter(ctx, key); rerr != nil {
			r.logger.Warn("releasing failed open", zap.String("key", key), zap.Error(rerr))
		}
		return err
	}
	return nil
}

// releaseWriter drops one writer. The last one uploads dirty contents and
// removes the clean record.
func (r *Resolver) releaseWriter(ctx context.Context, key string) error {
	r.mu.Lock()
	r.writers[key]--
	last := r.writers[key] <= 0
	if last {
		delete(r.writers, key)
	}
	r.mu.Unlock()
	if !last || !r.staging.Exists(key) {
		return nil
	}

	_, err := r.flush(ctx, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writers[key] == 0 && r.staging.Exists(key) && !r.staging.IsDirty(key) {
		if rerr := r.staging.Remove(key); rerr != nil {
			r.logger.Warn("removing clean staging record", zap.String("key", key), zap.Error(rerr))
		}
	}
	return err
}

// fetchSeed loads the remote state of key once, however many writers open
// it at the same time. The shared download survives a waiter giving up.
func (r *Resolver) fetchSeed(ctx context.Context, key string, withData bool) (*seed, error) {
	flight := key
	if !withData {
		flight += "\x00trunc"
	}
	ch := r.seeds.DoChan(flight, func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		e, err := r.store.Stat(fctx, key)
		if err != nil {
			return nil, err
		}
		if e.Path != key {
			return nil, notFound("open", key)
		}
		s := &seed{fileID: e.FileID}
		if withData && e.Size > 0 {
			if s.data, err = r.store.Download(fctx, key); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*seed), nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeTransportFailure, ctx.Err(), "open abandoned").
			WithComponent("hostfs").WithOperation("open")
	}
}

// flush uploads key if it is dirty and returns the uploaded entry.
func (r *Resolver) flush(ctx context.Context, key string) (types.Entry, error) {
	snap, err := r.staging.Snapshot(key)
	if err != nil {
		return types.Entry{}, err
	}
	if !snap.Dirty {
		return types.Entry{Path: key, Kind: types.KindFile, Size: int64(len(snap.Data)), FileID: snap.FileID, ModTime: snap.ModTime}, nil
	}

	log := logging.FromContext(ctx, r.logger)
	r.stats.uploads.Add(1)
	e, err := r.store.Upload(ctx, key, snap.Data, snap.ModTime)
	if err != nil {
		log.Warn("upload failed; staged copy kept",
			zap.String("key", key),
			zap.Int("size", len(snap.Data)),
			zap.Error(err))
		return types.Entry{}, err
	}

	clean, err := r.staging.MarkClean(key, snap.Version, e.FileID)
	if err != nil {
		return e, err
	}
	if clean {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}
	log.Debug("uploaded staged file",
		zap.String("key", key),
		zap.Int64("size", e.Size),
		zap.Bool("clean", clean))
	return e, nil
}

// trackPending refreshes the overlay entry for a staged key.
func (r *Resolver) trackPending(key string) types.Entry {
	e := types.Entry{Path: key, Kind: types.KindFile, ModTime: time.Now().UTC(), Pending: true}
	if size, err := r.staging.Size(key); err == nil {
		e.Size = size
	}
	if id, err := r.staging.FileID(key); err == nil {
		e.FileID = id
	}
	r.mu.Lock()
	r.pending[key] = e
	r.mu.Unlock()
	return e
}

func (r *Resolver) pendingEntry(key string) (types.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[key]
	return e, ok
}

// children lists dir with the pending overlay applied.
func (r *Resolver) children(ctx context.Context, dir string) ([]types.Entry, error) {
	listing, err := r.store.ReadDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	return r.withPending(dir, listing.Entries), nil
}

// withPending merges local pending files into a listing of dir and sorts the
// result by path.
func (r *Resolver) withPending(dir string, entries []types.Entry) []types.Entry {
	out := make([]types.Entry, len(entries))
	copy(out, entries)

	r.mu.Lock()
	if len(r.pending) > 0 {
		at := make(map[string]int, len(out))
		for i, e := range out {
			at[e.Path] = i
		}
		for key, e := range r.pending {
			if utils.ParentKey(key) != dir {
				continue
			}
			if i, ok := at[key]; ok {
				out[i] = e
			} else {
				out = append(out, e)
			}
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// withNoise adds the locally created noise names in dir to a sorted listing.
func (r *Resolver) withNoise(dir string, entries []types.Entry) []types.Entry {
	r.mu.Lock()
	var extra []types.Entry
	for key, created := range r.noise {
		if utils.ParentKey(key) != dir {
			continue
		}
		kind := types.KindFile
		if utils.IsDirKey(key) {
			kind = types.KindVirtualDir
		}
		extra = append(extra, types.Entry{Path: key, Kind: kind, ModTime: created})
	}
	r.mu.Unlock()
	if len(extra) == 0 {
		return entries
	}

	out := append(entries, extra...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (r *Resolver) lookupNoise(key string) (Attributes, error) {
	r.mu.Lock()
	created, ok := r.noise[key]
	if !ok && !utils.IsDirKey(key) {
		key = utils.DirKey(key)
		created, ok = r.noise[key]
	}
	r.mu.Unlock()
	if !ok {
		return Attributes{}, notFound("lookup", key)
	}
	kind := types.KindFile
	if utils.IsDirKey(key) {
		kind = types.KindVirtualDir
	}
	return Attributes{
		ID:      r.nodes.assign(key),
		Name:    utils.BaseName(key),
		Key:     key,
		Kind:    kind,
		ModTime: created,
	}, nil
}

func (r *Resolver) renameNoise(srcKey, dstKey string, both bool) error {
	if !both {
		return errors.Newf(errors.ErrCodeUnsupported, "cannot rename between %q and %q", srcKey, dstKey).
			WithComponent("hostfs").WithOperation("rename")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	created, ok := r.noise[srcKey]
	if !ok {
		return notFound("rename", srcKey)
	}
	delete(r.noise, srcKey)
	r.noise[dstKey] = created
	r.nodes.move(srcKey, dstKey)
	return nil
}

func (r *Resolver) attributes(e types.Entry) Attributes {
	return Attributes{
		ID:      r.nodes.assign(e.Path),
		Name:    e.Name(),
		Key:     e.Path,
		Kind:    e.Kind,
		Size:    e.Size,
		ModTime: e.ModTime,
		Pending: e.Pending,
	}
}

func (r *Resolver) dirNode(op string, id NodeID) (*node, error) {
	n, ok := r.nodes.get(id)
	if !ok {
		return nil, invalidNode(op, id)
	}
	if !n.isDir() {
		return nil, errors.Newf(errors.ErrCodeNotDirectory, "%q is not a directory", n.key).
			WithComponent("hostfs").WithOperation(op)
	}
	return n, nil
}

func (r *Resolver) handle(op string, id HandleID) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidHandle, "unknown handle %d", id).
			WithComponent("hostfs").WithOperation(op)
	}
	return h, nil
}

// fail counts and logs err; it returns err unchanged.
func (r *Resolver) fail(ctx context.Context, op string, err error) error {
	r.stats.errors.Add(1)
	r.metrics.RecordError(op, err)
	logging.FromContext(ctx, r.logger).Debug("operation failed", zap.String("op", op), zap.Error(err))
	return err
}

// match finds key among entries, as a file first and then as a directory.
func match(entries []types.Entry, key string) (types.Entry, bool) {
	bare := key
	if utils.IsDirKey(key) && key != "" {
		bare = key[:len(key)-1]
	}
	var dir types.Entry
	found := false
	for _, e := range entries {
		switch e.Path {
		case bare:
			return e, true
		case bare + utils.Separator:
			dir, found = e, true
		}
	}
	return dir, found
}

func contains(entries []types.Entry, key string) bool {
	for _, e := range entries {
		if e.Path == key {
			return true
		}
	}
	return false
}

// window returns data[offset:offset+length], clamped to data.
func window(data []byte, offset int64, length int) []byte {
	if offset >= int64(len(data)) {
		return []byte{}
	}
	end := offset + int64(length)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end]
}

func checkName(op, name string) error {
	if err := utils.ValidateName(name); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, err, err.Error()).
			WithComponent("hostfs").WithOperation(op)
	}
	return nil
}

func notFound(op, key string) error {
	return errors.Newf(errors.ErrCodeNotFound, "%q not found", key).
		WithComponent("hostfs").WithOperation(op)
}

func invalidNode(op string, id NodeID) error {
	return errors.Newf(errors.ErrCodeInvalidHandle, "unknown node %d", id).
		WithComponent("hostfs").WithOperation(op)
}
