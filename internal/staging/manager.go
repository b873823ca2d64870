// Package staging buffers open files on local disk until they are uploaded.
//
// Each mount owns <cacheRoot>/staging/<MountDir(bucket)>, holding one scratch
// file per staged key named by the SHA-256 of the key. A record is dirty from
// its first write until an upload of that exact version is confirmed, and a
// dirty record is only deleted through Discard.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
	"github.com/objectfs/b2fs/pkg/utils"
)

// MountDir derives the per-mount staging directory name from the bucket
// reference, so two mounts sharing a cache root never share scratch files.
func MountDir(bucketRef string) string {
	sum := sha256.Sum256([]byte(bucketRef))
	return hex.EncodeToString(sum[:8])
}

// Snapshot is a consistent copy of a record taken for upload.
type Snapshot struct {
	Key     string
	Data    []byte
	FileID  string
	Dirty   bool
	Version uint64
	ModTime time.Time
}

// record is one staged file. Its mutex guards every field and the file.
type record struct {
	mu       sync.Mutex
	key      string
	path     string
	file     *os.File
	size     int64
	dirty    bool
	version  uint64
	fileID   string
	modified time.Time
	removed  bool
}

// Manager owns the scratch files of one mount. The index lock only guards
// the map; file I/O takes the per-record lock, so unrelated files never
// serialize on each other. When both are held the index lock comes first.
type Manager struct {
	dir string

	mu      sync.RWMutex
	records map[string]*record

	totalBytes atomic.Int64

	logger  *zap.Logger
	metrics types.MetricsCollector
}

// NewManager creates cacheRoot/staging/mountDir. Scratch files left there by
// an earlier process may be the only copy of writes it never uploaded. They
// are moved to cacheRoot/staging/orphaned/ so staging the same key again
// cannot overwrite them, and are never uploaded automatically.
func NewManager(cacheRoot, mountDir string, logger *zap.Logger, metrics types.MetricsCollector) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	dir, err := utils.SecureJoin(cacheRoot, "staging", mountDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid staging layout").WithComponent("staging")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, localIO("init", "", err)
	}

	m := &Manager{
		dir:     dir,
		records: make(map[string]*record),
		logger:  logger.Named("staging"),
		metrics: metrics,
	}
	if err := m.preserveLeftovers(cacheRoot, mountDir); err != nil {
		return nil, err
	}
	return m, nil
}

// OrphanDir is where NewManager moves files found in a mount's staging
// directory.
func OrphanDir(cacheRoot string) string {
	return filepath.Join(cacheRoot, "staging", "orphaned")
}

func (m *Manager) preserveLeftovers(cacheRoot, mountDir string) error {
	leftovers, err := os.ReadDir(m.dir)
	if err != nil {
		return localIO("init", "", err)
	}
	if len(leftovers) == 0 {
		return nil
	}
	keep, err := utils.SecureJoin(OrphanDir(cacheRoot), mountDir+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid staging layout").WithComponent("staging")
	}
	if err := os.MkdirAll(keep, 0o700); err != nil {
		return localIO("init", "", err)
	}
	for _, f := range leftovers {
		if err := os.Rename(filepath.Join(m.dir, f.Name()), filepath.Join(keep, f.Name())); err != nil {
			return localIO("init", "", err)
		}
	}
	m.logger.Warn("moved files from an earlier run out of the staging directory",
		zap.String("dir", keep),
		zap.Int("files", len(leftovers)))
	return nil
}

func localIO(op, key string, err error) *errors.Error {
	e := errors.Wrap(errors.ErrCodeLocalIO, err, "staging "+op+" failed").
		WithComponent("staging").
		WithOperation(op)
	if key != "" {
		e.WithContext("key", key)
	}
	return e
}

func notStaged(op, key string) *errors.Error {
	return errors.NewError(errors.ErrCodeNotFound, "no staging record").
		WithComponent("staging").
		WithOperation(op).
		WithContext("key", key)
}

func dirtyRecord(op, key string) *errors.Error {
	return errors.NewError(errors.ErrCodeStagingDirty, "staging record holds writes that were never uploaded").
		WithComponent("staging").
		WithOperation(op).
		WithContext("key", key)
}

// Dir returns the mount's staging directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the scratch location for key. It depends only on the key.
func (m *Manager) Path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:]))
}

// CreateNew stages an empty file that has no remote version yet. It is dirty
// from the start, so it is uploaded even if nothing is ever written. A clean
// record already staged for key is replaced; a dirty one is refused.
func (m *Manager) CreateNew(key string) error {
	_, err := m.create("create", key, nil, "", true, true)
	return err
}

// Seed stages key with initial contents as a clean record. sourceFileID is
// the remote version the contents came from. If key is already staged the
// existing record is kept and Seed reports false.
func (m *Manager) Seed(key string, initial []byte, sourceFileID string) (bool, error) {
	return m.create("seed", key, initial, sourceFileID, false, false)
}

// create indexes the new record with its lock held and writes it after the
// index lock is released. Callers that find it meanwhile wait on the record.
func (m *Manager) create(op, key string, initial []byte, sourceFileID string, dirty, replace bool) (bool, error) {
	r := &record{
		key:      key,
		path:     m.Path(key),
		dirty:    dirty,
		fileID:   sourceFileID,
		modified: time.Now(),
	}
	if dirty {
		r.version = 1
	}
	r.mu.Lock()

	m.mu.Lock()
	if old, ok := m.records[key]; ok {
		if !replace {
			m.mu.Unlock()
			r.mu.Unlock()
			return false, nil
		}
		old.mu.Lock()
		wasDirty := old.dirty && !old.removed
		if !wasDirty && !old.removed {
			if err := m.dropLocked(old); err != nil {
				m.logger.Warn("dropping replaced record", zap.String("key", key), zap.Error(err))
			}
		}
		old.mu.Unlock()
		if wasDirty {
			m.mu.Unlock()
			r.mu.Unlock()
			return false, dirtyRecord(op, key)
		}
	}
	m.records[key] = r
	m.mu.Unlock()

	err := r.open(initial)
	if err == nil {
		m.addBytes(r.size)
		r.mu.Unlock()
		return true, nil
	}

	r.removed = true
	r.mu.Unlock()
	m.mu.Lock()
	if m.records[key] == r {
		delete(m.records, key)
	}
	m.mu.Unlock()
	return false, localIO(op, key, err)
}

// open creates the scratch file holding initial. r.mu must be held.
func (r *record) open(initial []byte) error {
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if len(initial) > 0 {
		if _, err := f.WriteAt(initial, 0); err != nil {
			f.Close()
			os.Remove(r.path)
			return err
		}
	}
	r.file = f
	r.size = int64(len(initial))
	return nil
}

// Exists reports whether key is staged.
func (m *Manager) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[key]
	return ok
}

// lock returns the live record for key with its mutex held.
func (m *Manager) lock(op, key string) (*record, error) {
	m.mu.RLock()
	r, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return nil, notStaged(op, key)
	}
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return nil, notStaged(op, key)
	}
	return r, nil
}

// WriteAt writes p at off, growing the file with zeros if off is past the end.
// The record becomes dirty.
func (m *Manager) WriteAt(key string, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.NewError(errors.ErrCodeInvalidRequest, "negative offset").WithComponent("staging").WithOperation("write")
	}
	r, err := m.lock("write", key)
	if err != nil {
		return 0, err
	}
	defer r.mu.Unlock()

	n, err := r.file.WriteAt(p, off)
	if end := off + int64(n); end > r.size {
		m.addBytes(end - r.size)
		r.size = end
	}
	if n > 0 || len(p) == 0 {
		r.touch()
	}
	if err != nil {
		return n, localIO("write", key, err)
	}
	return n, nil
}

// ReadAt returns up to length bytes at off. Reading past the end returns a
// short or empty slice, not an error.
func (m *Manager) ReadAt(key string, off int64, length int) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "negative offset or length").WithComponent("staging").WithOperation("read")
	}
	r, err := m.lock("read", key)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	if off >= r.size {
		return []byte{}, nil
	}
	if remaining := r.size - off; int64(length) > remaining {
		length = int(remaining)
	}
	buf := make([]byte, length)
	n, err := r.file.ReadAt(buf, off)
	if err != nil && !stderrors.Is(err, io.EOF) {
		return nil, localIO("read", key, err)
	}
	return buf[:n], nil
}

// Truncate sets the staged size. The record becomes dirty.
func (m *Manager) Truncate(key string, size int64) error {
	if size < 0 {
		return errors.NewError(errors.ErrCodeInvalidRequest, "negative size").WithComponent("staging").WithOperation("truncate")
	}
	r, err := m.lock("truncate", key)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	if err := r.file.Truncate(size); err != nil {
		return localIO("truncate", key, err)
	}
	m.addBytes(size - r.size)
	r.size = size
	r.touch()
	return nil
}

// Size returns the staged length of key.
func (m *Manager) Size(key string) (int64, error) {
	r, err := m.lock("size", key)
	if err != nil {
		return 0, err
	}
	defer r.mu.Unlock()
	return r.size, nil
}

// IsDirty reports whether key holds writes that are not uploaded yet.
func (m *Manager) IsDirty(key string) bool {
	r, err := m.lock("is-dirty", key)
	if err != nil {
		return false
	}
	defer r.mu.Unlock()
	return r.dirty
}

// Snapshot copies the staged contents for upload.
func (m *Manager) Snapshot(key string) (*Snapshot, error) {
	r, err := m.lock("snapshot", key)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	data := make([]byte, r.size)
	if _, err := r.file.ReadAt(data, 0); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, localIO("snapshot", key, err)
	}
	return &Snapshot{
		Key:     key,
		Data:    data,
		FileID:  r.fileID,
		Dirty:   r.dirty,
		Version: r.version,
		ModTime: r.modified,
	}, nil
}

// MarkClean records a confirmed upload of the snapshot taken at version. The
// dirty flag is only cleared when nothing was written since; either way the
// record now refers to fileID. It reports whether the record is clean.
func (m *Manager) MarkClean(key string, version uint64, fileID string) (bool, error) {
	r, err := m.lock("mark-clean", key)
	if err != nil {
		return false, err
	}
	defer r.mu.Unlock()

	r.fileID = fileID
	if r.version == version {
		r.dirty = false
	}
	return !r.dirty, nil
}

// FileID returns the remote version the staged contents derive from.
func (m *Manager) FileID(key string) (string, error) {
	r, err := m.lock("file-id", key)
	if err != nil {
		return "", err
	}
	defer r.mu.Unlock()
	return r.fileID, nil
}

// Remove deletes a clean record and its scratch file. A dirty record is never
// removed here; use Discard to abandon writes explicitly.
func (m *Manager) Remove(key string) error {
	return m.remove("remove", key, false)
}

// Discard deletes a record whether or not it is dirty.
func (m *Manager) Discard(key string) error {
	return m.remove("discard", key, true)
}

func (m *Manager) remove(op, key string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return nil
	}
	if r.dirty && !force {
		return dirtyRecord(op, key)
	}
	if r.dirty {
		m.logger.Warn("discarding unuploaded writes", zap.String("key", key), zap.Int64("size", r.size))
	}
	return m.dropLocked(r)
}

// dropLocked removes r from the index and deletes its file. Both locks must
// be held.
func (m *Manager) dropLocked(r *record) error {
	delete(m.records, r.key)
	r.removed = true
	m.addBytes(-r.size)

	var firstErr error
	if err := r.file.Close(); err != nil {
		firstErr = localIO("close", r.key, err)
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = localIO("remove", r.key, err)
	}
	return firstErr
}

// DirtyKeys lists the keys holding unuploaded writes, sorted.
func (m *Manager) DirtyKeys() []string {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	var keys []string
	for _, r := range recs {
		r.mu.Lock()
		if r.dirty && !r.removed {
			keys = append(keys, r.key)
		}
		r.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// CleanupAll removes every clean record. Dirty records stay staged and on
// disk; their keys are returned.
func (m *Manager) CleanupAll() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []string
	var firstErr error
	for _, r := range m.records {
		r.mu.Lock()
		if r.dirty {
			kept = append(kept, r.key)
		} else if err := m.dropLocked(r); err != nil && firstErr == nil {
			firstErr = err
		}
		r.mu.Unlock()
	}
	sort.Strings(kept)
	if len(kept) > 0 {
		m.logger.Warn("kept dirty staging records", zap.Strings("keys", kept))
	}
	return kept, firstErr
}

// TotalBytes is the sum of all staged sizes.
func (m *Manager) TotalBytes() int64 {
	return m.totalBytes.Load()
}

func (m *Manager) addBytes(delta int64) {
	if delta == 0 {
		return
	}
	m.metrics.SetStagingBytes(m.totalBytes.Add(delta))
}

func (r *record) touch() {
	r.dirty = true
	r.version++
	r.modified = time.Now()
}
