package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/location-node/internal/model"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// ContentPath is the route a machine accepts pushed content on
const ContentPath = "/v1/content/"

// SizeHeader carries the decoded content size so receivers can refuse content
// they have no room for before reading it
const SizeHeader = "X-Content-Size"

// HTTPCopier pushes content from a DirectoryStore to the admin endpoint of
// another machine. Machine locations are the base URL of that endpoint.
type HTTPCopier struct {
	source *DirectoryStore
	client *http.Client
	logger *zap.Logger
}

var _ Copier = (*HTTPCopier)(nil)

// NewHTTPCopier creates a copier; a nil client uses http.DefaultClient
func NewHTTPCopier(source *DirectoryStore, client *http.Client, logger *zap.Logger) *HTTPCopier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCopier{source: source, client: client, logger: logger}
}

// CopyTo streams the content zstd-compressed to target
func (c *HTTPCopier) CopyTo(ctx context.Context, hash model.ShortHashWithSize, target model.MachineLocation) error {
	f, _, err := c.source.Open(hash.Hash)
	if err != nil {
		return fmt.Errorf("failed to open content %s: %w", hash.Hash, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		enc, err := zstd.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(enc, f); err != nil {
			enc.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(enc.Close())
	}()

	url := strings.TrimRight(target.String(), "/") + ContentPath + hash.Hash.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set(SizeHeader, strconv.FormatInt(hash.Size, 10))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to push content to %s: %w", target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push to %s rejected with status %d", target, resp.StatusCode)
	}
	c.logger.Debug("Pushed content", zap.Stringer("hash", hash.Hash), zap.String("target", target.String()))
	return nil
}

// DecodeBody wraps a pushed request body according to its Content-Encoding
func DecodeBody(r *http.Request) (io.ReadCloser, error) {
	switch r.Header.Get("Content-Encoding") {
	case "":
		return r.Body, nil
	case "zstd":
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", r.Header.Get("Content-Encoding"))
	}
}
