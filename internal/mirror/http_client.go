package mirror

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	userAgent       = "npmmirror"
	assetField      = "npm.asset"
	assetType       = "application/x-compressed"
	maxErrorBodyLen = 4096
)

// Credentials is an optional basic auth pair for one registry.
type Credentials struct {
	Username string
	Password string
}

// IsZero returns true if no credentials are configured.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// String never includes the password.
func (c Credentials) String() string {
	if c.IsZero() {
		return "none"
	}
	return c.Username + ":****"
}

func (c Credentials) apply(req *http.Request) {
	if !c.IsZero() {
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// HTTPClient talks to the source and destination registries.
//
// Download and Upload have the shape of an Operation so they can be
// passed to RunBatch directly; their outcome is reported through the
// return value, the log and TransferStats.
type HTTPClient struct {
	client      *http.Client
	storage     *Storage
	stats       *TransferStats
	source      Credentials
	destination Credentials
	uploadURL   string
	idleTimeout time.Duration
}

// NewHTTPClient creates an HTTP client for the registries in config.
func NewHTTPClient(config *Config, storage *Storage, stats *TransferStats) (*HTTPClient, error) {
	source, err := config.Source.Credentials()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "source"), ErrConfig)
	}
	destination, err := config.Destination.Credentials()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "destination"), ErrConfig)
	}
	tlsConfig, err := config.TLS.BuildTLSConfig()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "tls"), ErrConfig)
	}

	return &HTTPClient{
		client:      clonedTransport(tlsConfig, config.RequestTimeout.Duration),
		storage:     storage,
		stats:       stats,
		source:      source,
		destination: destination,
		uploadURL:   config.Destination.ComponentsURL(),
		idleTimeout: config.RequestTimeout.Duration,
	}, nil
}

// FetchManifest GETs a package document and returns the body.
func (h *HTTPClient) FetchManifest(ctx context.Context, manifestURL string) ([]byte, error) {
	ctx, watch, stop := watchIdle(ctx, h.idleTimeout)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	h.source.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, stalledOr(ctx, err)
	}
	defer closeRespBody(resp)

	if !isSuccess(resp.StatusCode) {
		return nil, errors.Newf("status %d for %s", resp.StatusCode, manifestURL)
	}
	body, err := io.ReadAll(watch.reader(resp.Body))
	if err != nil {
		return nil, stalledOr(ctx, err)
	}
	return body, nil
}

// Download fetches item.SourceURL into item.LocalPath.
//
// An existing file at the local path counts as downloaded and is not
// touched. A failed download never leaves a file at the local path.
func (h *HTTPClient) Download(ctx context.Context, item WorkItem) bool {
	if Exists(item.LocalPath) {
		slog.Info("already downloaded, skipping", "path", item.LocalPath)
		h.stats.Skipped.Add(1)
		return true
	}

	slog.Info("downloading", "url", item.SourceURL, "path", item.LocalPath)
	size, err := h.download(ctx, item)
	if err != nil {
		slog.Warn("download failed", "url", item.SourceURL, "path", item.LocalPath, "error", err)
		h.stats.DownloadFailed.Add(1)
		return false
	}

	slog.Info("download complete", "path", item.LocalPath, "size", size)
	h.stats.Downloaded.Add(1)
	h.stats.BytesDownloaded.Add(size)
	return true
}

func (h *HTTPClient) download(ctx context.Context, item WorkItem) (int64, error) {
	ctx, watch, stop := watchIdle(ctx, h.idleTimeout)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.SourceURL, nil)
	if err != nil {
		return 0, errors.Mark(err, ErrTransfer)
	}
	req.Header.Set("User-Agent", userAgent)
	h.source.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.Mark(stalledOr(ctx, err), ErrTransfer)
	}
	defer closeRespBody(resp)

	if !isSuccess(resp.StatusCode) {
		return 0, errors.Mark(errors.Newf("status %d", resp.StatusCode), ErrTransfer)
	}

	tempfile, err := h.storage.TempFile(filepath.Dir(item.LocalPath))
	if err != nil {
		return 0, errors.Mark(err, ErrTransfer)
	}

	// stream to disk; tarballs can be large and many run at once
	size, err := io.Copy(tempfile, watch.reader(resp.Body))
	if err != nil {
		closeAndRemoveFile(tempfile)
		return 0, errors.Mark(errors.Wrap(stalledOr(ctx, err), "read body"), ErrTransfer)
	}

	if err := h.storage.Commit(tempfile, item.LocalPath); err != nil {
		if removeErr := os.Remove(item.LocalPath); removeErr == nil {
			slog.Warn("partial file removed", "path", item.LocalPath)
		}
		return 0, errors.Mark(err, ErrTransfer)
	}
	return size, nil
}

// Upload posts item.LocalPath to the components API of the destination.
//
// A 400 response means the version is already present in the destination
// repository and counts as success.
func (h *HTTPClient) Upload(ctx context.Context, item WorkItem) bool {
	f, err := os.Open(item.LocalPath)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("cannot upload, file not found", "path", item.LocalPath)
		} else {
			slog.Error("cannot upload", "path", item.LocalPath, "error", err)
		}
		h.stats.UploadFailed.Add(1)
		return false
	}
	defer f.Close()

	slog.Info("uploading", "path", item.LocalPath)
	status, body, size, err := h.upload(ctx, f, filepath.Base(item.LocalPath))
	if err != nil {
		slog.Error("upload failed", "path", item.LocalPath, "error", err)
		h.stats.UploadFailed.Add(1)
		return false
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		slog.Info("upload complete", "path", item.LocalPath)
		h.stats.Uploaded.Add(1)
		h.stats.BytesUploaded.Add(size)
	case http.StatusBadRequest:
		slog.Warn("package already exists in destination repository", "path", item.LocalPath)
		h.stats.AlreadyPresent.Add(1)
	default:
		slog.Error("upload failed", "path", item.LocalPath, "status", status, "response", body)
		h.stats.UploadFailed.Add(1)
		return false
	}
	return true
}

// upload streams r as a multipart form through a pipe so that the whole
// tarball is never held in memory. It returns the response status, the
// beginning of the response body for unexpected statuses, and the number
// of artifact bytes sent.
func (h *HTTPClient) upload(ctx context.Context, r io.Reader, filename string) (int, string, int64, error) {
	ctx, watch, stop := watchIdle(ctx, h.idleTimeout)
	defer stop()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(watch.writer(pw))

	var written int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		part, err := createAssetPart(mw, filename)
		if err == nil {
			written, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.uploadURL, pr)
	if err != nil {
		return 0, "", 0, errors.Mark(err, ErrTransfer)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)
	h.destination.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", 0, errors.Mark(stalledOr(ctx, err), ErrTransfer)
	}
	defer closeRespBody(resp)

	var body string
	if !isSuccess(resp.StatusCode) && resp.StatusCode != http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(watch.reader(resp.Body), maxErrorBodyLen))
		body = strings.TrimSpace(string(b))
	}

	pr.Close()
	<-done
	return resp.StatusCode, body, written, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func createAssetPart(mw *multipart.Writer, filename string) (io.Writer, error) {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, assetField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", assetType)
	return mw.CreatePart(header)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// closeRespBody drains and closes an HTTP response body so the
// connection can be reused.
func closeRespBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyLen))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with pooled connections, the
// given TLS settings and timeout.
//
// The timeout bounds connecting, the TLS handshake and waiting for
// response headers of every request. Streaming a body has no total
// deadline; the HTTPClient methods fail a body that stops moving for the
// same duration (see watchIdle).
func clonedTransport(tlsConfig *tls.Config, timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 32
	tr.IdleConnTimeout = 90 * time.Second
	tr.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout
	if tlsConfig != nil {
		tr.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // bodies are bounded by watchIdle
	}
}
