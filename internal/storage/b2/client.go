package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/b2fs/pkg/errors"
	"github.com/objectfs/b2fs/pkg/types"
)

// DefaultEndpoint is the public authorization base URL.
const DefaultEndpoint = "https://api.backblazeb2.com"

// MaxSinglePartSize is the largest body accepted by a single upload call.
const MaxSinglePartSize = 5 * 1000 * 1000 * 1000

// Options configures a Client.
type Options struct {
	// Endpoint is the authorization base URL, e.g. https://api.backblazeb2.com.
	Endpoint       string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        types.MetricsCollector
}

// Client maps each remote operation onto one HTTP exchange. It holds no
// session and never retries.
type Client struct {
	http     *http.Client
	endpoint string
	logger   *zap.Logger
	metrics  types.MetricsCollector
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dialer.DialContext
		httpClient = &http.Client{Transport: transport, Timeout: opts.RequestTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics types.MetricsCollector = types.NopMetrics{}
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	return &Client{
		http:     httpClient,
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		logger:   logger.Named("b2"),
		metrics:  metrics,
	}
}

// BucketFilter narrows ListBuckets to one bucket.
type BucketFilter struct {
	ID   string
	Name string
}

// ListRequest is one page request against the list endpoint.
type ListRequest struct {
	BucketID      string
	Prefix        string
	Delimiter     string
	StartFileName string
	MaxFileCount  int
}

// ListPage is one page of results. NextFileName is empty on the last page.
type ListPage struct {
	Files        []File
	NextFileName string
}

// Range selects Length bytes starting at Offset.
type Range struct {
	Offset int64
	Length int64
}

func (r Range) header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// Download is the result of a download call.
type Download struct {
	Data []byte
	File File
	// Partial is set when the server answered 206.
	Partial bool
}

// UploadRequest describes a single-part upload.
type UploadRequest struct {
	Name        string
	Data        []byte
	ContentType string
	SHA1        string
	ModTime     time.Time
}

// CopyRequest describes a server-side copy.
type CopyRequest struct {
	SourceFileID        string
	Name                string
	DestinationBucketID string
}

// Authorize exchanges the key pair for a session. A 401 here means the
// credentials are wrong, which is terminal.
func (c *Client) Authorize(ctx context.Context, creds types.Credentials) (*types.Session, error) {
	const op = "authorize"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+apiPrefix+"/b2_authorize_account", nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, err, "build request").WithComponent("b2").WithOperation(op)
	}
	req.SetBasicAuth(creds.KeyID, creds.Key)

	var resp authorizeAccountResponse
	if _, err := c.do(op, req, &resp); err != nil {
		if e, ok := errors.As(err); ok && e.HTTPStatus == http.StatusUnauthorized {
			e.Code = errors.ErrCodeAuthenticationFailed
			e.Category = errors.GetCategory(e.Code)
			e.Retryable = false
		}
		return nil, err
	}

	api := resp.APIInfo.StorageAPI
	if resp.AuthorizationToken == "" || api.APIURL == "" || api.DownloadURL == "" {
		return nil, classifyDecode(op, fmt.Errorf("authorization response is missing token or urls"))
	}
	c.logger.Debug("authorized account",
		zap.String("account_id", resp.AccountID),
		zap.String("key_id", creds.KeyID),
		zap.String("api_url", api.APIURL))

	return &types.Session{
		AccountID:               resp.AccountID,
		AuthToken:               resp.AuthorizationToken,
		APIURL:                  strings.TrimSuffix(api.APIURL, "/"),
		DownloadURL:             strings.TrimSuffix(api.DownloadURL, "/"),
		RecommendedPartSize:     api.RecommendedPartSize,
		AbsoluteMinimumPartSize: api.AbsoluteMinimumPartSize,
		Capabilities:            api.Capabilities,
		AllowedBucketID:         api.BucketID,
		AllowedBucketName:       api.BucketName,
		AuthorizedAt:            time.Now(),
	}, nil
}

// ListBuckets lists the account's buckets, optionally narrowed by filter.
func (c *Client) ListBuckets(ctx context.Context, sess *types.Session, filter BucketFilter) ([]types.Bucket, error) {
	request := listBucketsRequest{
		AccountID:  sess.AccountID,
		BucketID:   filter.ID,
		BucketName: filter.Name,
	}
	var response listBucketsResponse
	if err := c.callJSON(ctx, "list_buckets", sess.APIURL+apiPrefix+"/b2_list_buckets", sess.AuthToken, &request, &response); err != nil {
		return nil, err
	}
	buckets := make([]types.Bucket, 0, len(response.Buckets))
	for _, b := range response.Buckets {
		buckets = append(buckets, types.Bucket{ID: b.ID, Name: b.Name, Type: b.Type})
	}
	return buckets, nil
}

// ListFileNames fetches one page of file names.
func (c *Client) ListFileNames(ctx context.Context, sess *types.Session, req ListRequest) (*ListPage, error) {
	request := listFileNamesRequest{
		BucketID:      req.BucketID,
		StartFileName: req.StartFileName,
		MaxFileCount:  req.MaxFileCount,
		Prefix:        req.Prefix,
		Delimiter:     req.Delimiter,
	}
	var response listFileNamesResponse
	if err := c.callJSON(ctx, "list_file_names", sess.APIURL+apiPrefix+"/b2_list_file_names", sess.AuthToken, &request, &response); err != nil {
		return nil, err
	}
	page := &ListPage{Files: response.Files}
	if response.NextFileName != nil {
		page.NextFileName = *response.NextFileName
	}
	return page, nil
}

// DownloadByName fetches a whole file, or a byte range of it when rng is set.
func (c *Client) DownloadByName(ctx context.Context, sess *types.Session, bucketName, name string, rng *Range) (*Download, error) {
	const op = "download"
	url := sess.DownloadURL + "/file/" + encodeName(bucketName) + "/" + encodeName(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, err, "build request").WithComponent("b2").WithOperation(op)
	}
	req.Header.Set("Authorization", sess.AuthToken)
	if rng != nil {
		req.Header.Set("Range", rng.header())
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		e := classifyTransport(op, err)
		c.record(op, start, 0, e)
		return nil, e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e := classifyTransport(op, err)
		c.record(op, start, 0, e)
		return nil, e
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		e := classifyResponse(op, resp, body)
		e.WithContext("file_name", name)
		c.record(op, start, 0, e)
		return nil, e
	}

	dl := &Download{
		Data:    body,
		Partial: resp.StatusCode == http.StatusPartialContent,
		File:    fileFromHeaders(name, resp.Header, int64(len(body))),
	}
	if rng != nil && !dl.Partial {
		dl.Data = sliceRange(body, *rng)
	}
	if rng == nil && resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		e := classifyTransport(op, fmt.Errorf("short body: got %d of %d bytes", len(body), resp.ContentLength))
		c.record(op, start, 0, e)
		return nil, e
	}
	c.record(op, start, int64(len(dl.Data)), nil)
	return dl, nil
}

func sliceRange(body []byte, rng Range) []byte {
	if rng.Offset >= int64(len(body)) {
		return nil
	}
	end := rng.Offset + rng.Length
	if end > int64(len(body)) {
		end = int64(len(body))
	}
	return body[rng.Offset:end]
}

func fileFromHeaders(name string, h http.Header, size int64) File {
	f := File{
		ID:          h.Get(headerFileID),
		Name:        name,
		Action:      actionUpload,
		Size:        size,
		SHA1:        h.Get(headerContentSHA1),
		ContentType: h.Get("Content-Type"),
		Info:        map[string]string{},
	}
	if v := h.Get(headerModTime); v != "" {
		f.Info[infoModTime] = v
	}
	if v := h.Get(headerUploadTime); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.UploadTimestamp = Timestamp(time.UnixMilli(ms).UTC())
		}
	}
	return f
}

// GetUploadURL requests a fresh upload target for bucketID.
func (c *Client) GetUploadURL(ctx context.Context, sess *types.Session, bucketID string) (*types.UploadTarget, error) {
	request := getUploadURLRequest{BucketID: bucketID}
	var response getUploadURLResponse
	if err := c.callJSON(ctx, "get_upload_url", sess.APIURL+apiPrefix+"/b2_get_upload_url", sess.AuthToken, &request, &response); err != nil {
		return nil, err
	}
	if response.UploadURL == "" || response.AuthorizationToken == "" {
		return nil, classifyDecode("get_upload_url", fmt.Errorf("upload target is missing url or token"))
	}
	return &types.UploadTarget{
		BucketID:  response.BucketID,
		UploadURL: response.UploadURL,
		AuthToken: response.AuthorizationToken,
	}, nil
}

// Upload sends one object to a previously obtained upload target.
func (c *Client) Upload(ctx context.Context, target *types.UploadTarget, up UploadRequest) (*File, error) {
	const op = "upload"
	if int64(len(up.Data)) > MaxSinglePartSize {
		return nil, errors.Newf(errors.ErrCodeInvalidRequest, "object of %d bytes exceeds the single-part limit", len(up.Data)).
			WithComponent("b2").
			WithOperation(op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, bytes.NewReader(up.Data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, err, "build request").WithComponent("b2").WithOperation(op)
	}
	req.ContentLength = int64(len(up.Data))
	req.Header.Set("Authorization", target.AuthToken)
	req.Header.Set(headerFileName, encodeName(up.Name))
	req.Header.Set("Content-Type", up.ContentType)
	req.Header.Set(headerContentSHA1, up.SHA1)
	if !up.ModTime.IsZero() {
		req.Header.Set(headerModTime, strconv.FormatInt(up.ModTime.UnixMilli(), 10))
	}

	var response File
	size, err := c.do(op, req, &response)
	if err != nil {
		if e, ok := errors.As(err); ok {
			e.WithContext("file_name", up.Name)
		}
		return nil, err
	}
	c.logger.Debug("uploaded", zap.String("file_name", up.Name), zap.Int64("size", size))
	return &response, nil
}

// DeleteFileVersion removes one version of a file.
func (c *Client) DeleteFileVersion(ctx context.Context, sess *types.Session, name, fileID string) error {
	request := deleteFileVersionRequest{Name: name, ID: fileID}
	var response deleteFileVersionResponse
	return c.callJSON(ctx, "delete_file_version", sess.APIURL+apiPrefix+"/b2_delete_file_version", sess.AuthToken, &request, &response)
}

// CopyFile copies a stored version to a new name on the server.
func (c *Client) CopyFile(ctx context.Context, sess *types.Session, cp CopyRequest) (*File, error) {
	request := copyFileRequest{
		SourceFileID:        cp.SourceFileID,
		DestinationBucketID: cp.DestinationBucketID,
		Name:                cp.Name,
		MetadataDirective:   metadataDirectiveCP,
	}
	var response File
	if err := c.callJSON(ctx, "copy_file", sess.APIURL+apiPrefix+"/b2_copy_file", sess.AuthToken, &request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// callJSON POSTs a JSON request and decodes a JSON response.
func (c *Client) callJSON(ctx context.Context, op, url, token string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, err, "encode request").WithComponent("b2").WithOperation(op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, err, "build request").WithComponent("b2").WithOperation(op)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(op, req, response)
	return err
}

// do executes req and decodes a 2xx JSON body into response. It returns the
// request body size for metrics.
func (c *Client) do(op string, req *http.Request, response interface{}) (int64, error) {
	start := time.Now()
	size := req.ContentLength
	if size < 0 {
		size = 0
	}

	resp, err := c.http.Do(req)
	if err != nil {
		e := classifyTransport(op, err)
		c.record(op, start, 0, e)
		return 0, e
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e := classifyTransport(op, err)
		c.record(op, start, 0, e)
		return 0, e
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := classifyResponse(op, resp, body)
		c.logger.Debug("request failed",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", e.RemoteCode))
		c.record(op, start, 0, e)
		return 0, e
	}

	if response != nil {
		if err := json.Unmarshal(body, response); err != nil {
			e := classifyDecode(op, err)
			c.record(op, start, 0, e)
			return 0, e
		}
	}
	c.record(op, start, size, nil)
	return size, nil
}

func (c *Client) record(op string, start time.Time, size int64, err error) {
	c.metrics.RecordOperation(op, time.Since(start), size, err == nil)
	if err != nil {
		c.metrics.RecordError(op, err)
	}
}
