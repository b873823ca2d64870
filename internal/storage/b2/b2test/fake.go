// Package b2test provides an in-process fake of the B2 native API for tests.
//
// The fake counts requests per endpoint and can be scripted to fail the next
// request to any endpoint, expire the session token, or expire upload targets.
// Hold parks a computed response so tests can interleave other calls with it.
package b2test

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Endpoint names accepted by Count, FailNext and SetDelay.
const (
	EndpointAuthorize         = "authorize"
	EndpointListBuckets       = "list_buckets"
	EndpointListFileNames     = "list_file_names"
	EndpointGetUploadURL      = "get_upload_url"
	EndpointUpload            = "upload"
	EndpointDownload          = "download"
	EndpointDeleteFileVersion = "delete_file_version"
	EndpointCopyFile          = "copy_file"
)

// Default credentials accepted by a new Server.
const (
	KeyID = "test-key-id"
	Key   = "test-application-key"
)

// Failure is a scripted error response.
type Failure struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string
	// RawBody replaces the JSON error body when set.
	RawBody string
}

// Object is a stored file as seen by the fake.
type Object struct {
	ID          string
	Name        string
	Data        []byte
	ContentType string
	SHA1        string
	Info        map[string]string
	Uploaded    time.Time
}

type bucket struct {
	id      string
	name    string
	objects map[string]*Object
}

// Server is a fake B2 service.
type Server struct {
	srv *httptest.Server

	mu           sync.Mutex
	keyID        string
	key          string
	accountID    string
	tokenSeq     int
	sessionToken string
	issued       map[string]bool
	uploadTokens map[string]bool
	buckets      map[string]*bucket
	fileSeq      int
	counts       map[string]int
	failures     map[string][]Failure
	delays       map[string]time.Duration
	holds        map[string][]*hold
	allHolds     []*hold
}

type hold struct {
	reached chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (h *hold) release() {
	h.once.Do(func() { close(h.gate) })
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		keyID:        KeyID,
		key:          Key,
		accountID:    "account-1",
		issued:       make(map[string]bool),
		uploadTokens: make(map[string]bool),
		buckets:      make(map[string]*bucket),
		counts:       make(map[string]int),
		failures:     make(map[string][]Failure),
		delays:       make(map[string]time.Duration),
		holds:        make(map[string][]*hold),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.srv.Close)
	// Runs before Close, which waits for parked handlers.
	t.Cleanup(s.releaseHolds)
	return s
}

// URL is the authorization endpoint base.
func (s *Server) URL() string {
	return s.srv.URL
}

// HTTPClient returns a client wired to the fake.
func (s *Server) HTTPClient() *http.Client {
	return s.srv.Client()
}

// AccountID is the account every authorization reports.
func (s *Server) AccountID() string {
	return s.accountID
}

// AddBucket creates a bucket and returns its ID.
func (s *Server) AddBucket(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("bucket-%d-%s", len(s.buckets)+1, name)
	s.buckets[id] = &bucket{id: id, name: name, objects: make(map[string]*Object)}
	return id
}

// Put stores an object directly, without counting a request.
func (s *Server) Put(bucketName, name string, data []byte, contentType string) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByName(bucketName)
	if b == nil {
		panic("b2test: unknown bucket " + bucketName)
	}
	return s.store(b, name, data, contentType, nil)
}

// Object returns a copy of the stored object, if any.
func (s *Server) Object(bucketName, name string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByName(bucketName)
	if b == nil {
		return Object{}, false
	}
	o, ok := b.objects[name]
	if !ok {
		return Object{}, false
	}
	cp := *o
	cp.Data = append([]byte(nil), o.Data...)
	return cp, true
}

// Names lists stored names in a bucket.
func (s *Server) Names(bucketName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketByName(bucketName)
	if b == nil {
		return nil
	}
	return sortedNames(b)
}

// Count returns the requests seen by endpoint.
func (s *Server) Count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[endpoint]
}

// Total returns the requests seen by all endpoints.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.counts {
		n += c
	}
	return n
}

// ResetCounts zeroes every counter.
func (s *Server) ResetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}

// FailNext queues failures for the next requests to endpoint, in order.
func (s *Server) FailNext(endpoint string, failures ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = append(s.failures[endpoint], failures...)
}

// SetDelay slows every request to endpoint by d.
func (s *Server) SetDelay(endpoint string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[endpoint] = d
}

// Hold parks the next request to endpoint after its response has been
// computed against the current state. reached is closed once the response is
// ready; the client receives it when release is called.
func (s *Server) Hold(endpoint string) (reached <-chan struct{}, release func()) {
	h := &hold{reached: make(chan struct{}), gate: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[endpoint] = append(s.holds[endpoint], h)
	s.allHolds = append(s.allHolds, h)
	return h.reached, h.release
}

func (s *Server) releaseHolds() {
	s.mu.Lock()
	holds := s.allHolds
	s.mu.Unlock()
	for _, h := range holds {
		h.release()
	}
}

// ExpireSession invalidates the current session token. API calls made with it
// get 401 expired_auth_token until the client authorizes again.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionToken = ""
}

// ExpireUploadTargets invalidates every issued upload token.
func (s *Server) ExpireUploadTargets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadTokens = make(map[string]bool)
}

func (s *Server) bucketByName(name string) *bucket {
	for _, b := range s.buckets {
		if b.name == name {
			return b
		}
	}
	return nil
}

func (s *Server) store(b *bucket, name string, data []byte, contentType string, info map[string]string) *Object {
	s.fileSeq++
	sum := sha1.Sum(data)
	if info == nil {
		info = map[string]string{}
	}
	o := &Object{
		ID:          fmt.Sprintf("4_z%s_f%06d", b.id, s.fileSeq),
		Name:        name,
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		SHA1:        hex.EncodeToString(sum[:]),
		Info:        info,
		Uploaded:    time.Now().UTC(),
	}
	b.objects[name] = o
	return o
}

func sortedNames(b *bucket) []string {
	names := make([]string, 0, len(b.objects))
	for n := range b.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type fileJSON struct {
	FileID          *string           `json:"fileId"`
	FileName        string            `json:"fileName"`
	Action          string            `json:"action"`
	ContentLength   int64             `json:"contentLength"`
	ContentSHA1     string            `json:"contentSha1,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
	FileInfo        map[string]string `json:"fileInfo"`
	BucketID        string            `json:"bucketId,omitempty"`
}

func objectJSON(bucketID string, o *Object) fileJSON {
	id := o.ID
	return fileJSON{
		FileID:          &id,
		FileName:        o.Name,
		Action:          "upload",
		ContentLength:   int64(len(o.Data)),
		ContentSHA1:     o.SHA1,
		ContentType:     o.ContentType,
		UploadTimestamp: o.Uploaded.UnixMilli(),
		FileInfo:        o.Info,
		BucketID:        bucketID,
	}
}

func endpointFor(r *http.Request) string {
	p := r.URL.Path
	switch {
	case p == "/b2api/v2/b2_authorize_account":
		return EndpointAuthorize
	case strings.HasPrefix(p, "/b2api/v2/b2_"):
		return strings.TrimPrefix(p, "/b2api/v2/b2_")
	case strings.HasPrefix(p, "/upload/"):
		return EndpointUpload
	case strings.HasPrefix(p, "/file/"):
		return EndpointDownload
	}
	return ""
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := endpointFor(r)

	s.mu.Lock()
	s.counts[endpoint]++
	delay := s.delays[endpoint]
	var failure *Failure
	if q := s.failures[endpoint]; len(q) > 0 {
		failure = &q[0]
		s.failures[endpoint] = q[1:]
	}
	var parked *hold
	if q := s.holds[endpoint]; len(q) > 0 {
		parked = q[0]
		s.holds[endpoint] = q[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if parked != nil {
		rec := httptest.NewRecorder()
		s.respond(rec, r, endpoint, failure)
		close(parked.reached)
		<-parked.gate
		for k, v := range rec.Header() {
			w.Header()[k] = v
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
		return
	}
	s.respond(w, r, endpoint, failure)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, endpoint string, failure *Failure) {
	if failure != nil {
		writeFailure(w, *failure)
		return
	}

	switch endpoint {
	case EndpointAuthorize:
		s.handleAuthorize(w, r)
	case EndpointListBuckets:
		s.withSession(w, r, s.handleListBuckets)
	case EndpointListFileNames:
		s.withSession(w, r, s.handleListFileNames)
	case EndpointGetUploadURL:
		s.withSession(w, r, s.handleGetUploadURL)
	case EndpointUpload:
		s.handleUpload(w, r)
	case EndpointDownload:
		s.withSession(w, r, s.handleDownload)
	case EndpointDeleteFileVersion:
		s.withSession(w, r, s.handleDeleteFileVersion)
	case EndpointCopyFile:
		s.withSession(w, r, s.handleCopyFile)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown endpoint "+r.URL.Path)
	}
}

func writeFailure(w http.ResponseWriter, f Failure) {
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	if f.RawBody != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(f.Status)
		_, _ = io.WriteString(w, f.RawBody)
		return
	}
	code := f.Code
	if code == "" {
		code = "scripted_failure"
	}
	msg := f.Message
	if msg == "" {
		msg = "scripted failure"
	}
	writeError(w, f.Status, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":  status,
		"code":    code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withSession(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	token := r.Header.Get("Authorization")
	s.mu.Lock()
	valid := token != "" && token == s.sessionToken
	known := s.issued[token]
	s.mu.Unlock()

	switch {
	case valid:
		next(w, r)
	case known:
		writeError(w, http.StatusUnauthorized, "expired_auth_token", "Authorization token has expired")
	default:
		writeError(w, http.StatusUnauthorized, "bad_auth_token", "Invalid authorization token")
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	id, key, ok := r.BasicAuth()
	if !ok || id != s.keyID || key != s.key {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid key id or application key")
		return
	}

	s.mu.Lock()
	s.tokenSeq++
	token := fmt.Sprintf("session-token-%d", s.tokenSeq)
	s.sessionToken = token
	s.issued[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":          s.accountID,
		"authorizationToken": token,
		"apiInfo": map[string]interface{}{
			"storageApi": map[string]interface{}{
				"apiUrl":                  s.srv.URL,
				"downloadUrl":             s.srv.URL,
				"recommendedPartSize":     100 * 1000 * 1000,
				"absoluteMinimumPartSize": 5 * 1000 * 1000,
				"capabilities":            []string{"listBuckets", "listFiles", "readFiles", "writeFiles", "deleteFiles"},
			},
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID  string `json:"accountId"`
		BucketID   string `json:"bucketId"`
		BucketName string `json:"bucketName"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AccountID != s.accountID {
		writeError(w, http.StatusBadRequest, "bad_request", "accountId does not match")
		return
	}

	s.mu.Lock()
	out := []map[string]string{}
	for _, b := range s.buckets {
		if req.BucketID != "" && b.id != req.BucketID {
			continue
		}
		if req.BucketName != "" && b.name != req.BucketName {
			continue
		}
		out = append(out, map[string]string{"bucketId": b.id, "bucketName": b.name, "bucketType": "allPrivate", "accountId": s.accountID})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i]["bucketName"] < out[j]["bucketName"] })
	writeJSON(w, http.StatusOK, map[string]interface{}{"buckets": out})
}

func (s *Server) handleListFileNames(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BucketID      string `json:"bucketId"`
		StartFileName string `json:"startFileName"`
		MaxFileCount  int    `json:"maxFileCount"`
		Prefix        string `json:"prefix"`
		Delimiter     string `json:"delimiter"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	limit := req.MaxFileCount
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		writeError(w, http.StatusBadRequest, "bad_request", "maxFileCount out of range")
		return
	}

	s.mu.Lock()
	b, ok := s.buckets[req.BucketID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}

	var files []fileJSON
	seenFolder := make(map[string]bool)
	for _, name := range sortedNames(b) {
		if name < req.StartFileName || !strings.HasPrefix(name, req.Prefix) {
			continue
		}
		rest := name[len(req.Prefix):]
		if req.Delimiter != "" {
			if i := strings.Index(rest, req.Delimiter); i >= 0 {
				folder := req.Prefix + rest[:i+len(req.Delimiter)]
				if !seenFolder[folder] {
					seenFolder[folder] = true
					files = append(files, fileJSON{FileName: folder, Action: "folder", FileInfo: map[string]string{}})
				}
				continue
			}
		}
		files = append(files, objectJSON(b.id, b.objects[name]))
	}
	s.mu.Unlock()

	var next *string
	if len(files) > limit {
		n := files[limit].FileName
		next = &n
		files = files[:limit]
	}
	if files == nil {
		files = []fileJSON{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files, "nextFileName": next})
}

func (s *Server) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BucketID string `json:"bucketId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	if _, ok := s.buckets[req.BucketID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	s.tokenSeq++
	token := fmt.Sprintf("upload-token-%d", s.tokenSeq)
	s.uploadTokens[token] = true
	uploadURL := fmt.Sprintf("%s/upload/%s/%d", s.srv.URL, req.BucketID, s.tokenSeq)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"bucketId":           req.BucketID,
		"uploadUrl":          uploadURL,
		"authorizationToken": token,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/upload/"), "/")
	bucketID := parts[0]

	token := r.Header.Get("Authorization")
	s.mu.Lock()
	validToken := s.uploadTokens[token]
	s.mu.Unlock()
	if !validToken {
		writeError(w, http.StatusUnauthorized, "expired_auth_token", "upload authorization token has expired")
		return
	}

	name, err := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
	if err != nil || name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid X-Bz-File-Name")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "could not read body")
		return
	}
	if r.ContentLength != int64(len(data)) {
		writeError(w, http.StatusBadRequest, "bad_request", "Content-Length does not match body")
		return
	}
	sum := sha1.Sum(data)
	if got := r.Header.Get("X-Bz-Content-Sha1"); got != hex.EncodeToString(sum[:]) {
		writeError(w, http.StatusBadRequest, "bad_request", "Sha1 did not match data received")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" || contentType == "b2/x-auto" {
		contentType = "application/octet-stream"
	}
	info := map[string]string{}
	if v := r.Header.Get("X-Bz-Info-src_last_modified_millis"); v != "" {
		info["src_last_modified_millis"] = v
	}

	s.mu.Lock()
	b, ok := s.buckets[bucketID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "bad_bucket_id", "bucket does not exist")
		return
	}
	o := s.store(b, name, data, contentType, info)
	resp := objectJSON(b.id, o)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/file/")
	i := strings.Index(rest, "/")
	if i < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file name")
		return
	}
	bucketName, name := rest[:i], rest[i+1:]

	s.mu.Lock()
	var obj *Object
	if b := s.bucketByName(bucketName); b != nil {
		if o, ok := b.objects[name]; ok {
			cp := *o
			obj = &cp
		}
	}
	s.mu.Unlock()

	if obj == nil {
		writeError(w, http.StatusNotFound, "not_found", "file not present: "+name)
		return
	}
	h := w.Header()
	h.Set("Content-Type", obj.ContentType)
	h.Set("X-Bz-File-Id", obj.ID)
	h.Set("X-Bz-File-Name", obj.Name)
	h.Set("X-Bz-Content-Sha1", obj.SHA1)
	h.Set("X-Bz-Upload-Timestamp", strconv.FormatInt(obj.Uploaded.UnixMilli(), 10))
	if v, ok := obj.Info["src_last_modified_millis"]; ok {
		h.Set("X-Bz-Info-src_last_modified_millis", v)
	}

	rng := r.Header.Get("Range")
	if rng == "" {
		h.Set("Content-Length", strconv.Itoa(len(obj.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.Data)
		return
	}

	start, end, ok := parseRange(rng, int64(len(obj.Data)))
	if !ok {
		h.Del("X-Bz-Content-Sha1")
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "requested range not satisfiable")
		return
	}
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.Data)))
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(obj.Data[start : end+1])
}

// parseRange understands the single "bytes=a-b" form.
func parseRange(v string, size int64) (int64, int64, bool) {
	rng := strings.TrimPrefix(v, "bytes=")
	lo, hi, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(lo, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if hi != "" {
		e, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	return start, end, true
}

func (s *Server) handleDeleteFileVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	deleted := false
	for _, b := range s.buckets {
		if o, ok := b.objects[req.FileName]; ok && o.ID == req.FileID {
			delete(b.objects, req.FileName)
			deleted = true
			break
		}
	}
	s.mu.Unlock()

	if !deleted {
		writeError(w, http.StatusBadRequest, "file_not_present", "File not present: "+req.FileName+" "+req.FileID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fileName": req.FileName, "fileId": req.FileID})
}

func (s *Server) handleCopyFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceFileID        string `json:"sourceFileId"`
		DestinationBucketID string `json:"destinationBucketId"`
		FileName            string `json:"fileName"`
		MetadataDirective   string `json:"metadataDirective"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MetadataDirective != "" && req.MetadataDirective != "COPY" {
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported metadataDirective")
		return
	}

	s.mu.Lock()
	var src *Object
	var srcBucket *bucket
	for _, b := range s.buckets {
		for _, o := range b.objects {
			if o.ID == req.SourceFileID {
				src, srcBucket = o, b
			}
		}
	}
	if src == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "source file not found")
		return
	}
	dst := srcBucket
	if req.DestinationBucketID != "" {
		if b, ok := s.buckets[req.DestinationBucketID]; ok {
			dst = b
		}
	}
	info := make(map[string]string, len(src.Info))
	for k, v := range src.Info {
		info[k] = v
	}
	o := s.store(dst, req.FileName, src.Data, src.ContentType, info)
	resp := objectJSON(dst.id, o)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}
