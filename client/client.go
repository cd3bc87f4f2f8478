// client/client.go
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"patchd/internal/api"
	"patchd/internal/catalog"
	"patchd/internal/compress"
	"patchd/internal/errors"
	"patchd/internal/inventory"
	"patchd/internal/service"
)

// DefaultChunkSize is how many source bytes Download asks for per call. The
// server may clamp it further.
const DefaultChunkSize = 1 << 20

type Client struct {
	baseURL    string
	httpClient *http.Client
	compressor *compress.Manager
	chunkSize  int
}

func New(baseURL string) (*Client, error) {
	m, err := compress.NewManager(compress.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
		compressor: m,
		chunkSize:  DefaultChunkSize,
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithChunkSize sets the per-request length used by Download.
func (c *Client) WithChunkSize(n int) *Client {
	if n > 0 {
		c.chunkSize = n
	}
	return c
}

// FileInfoSeq returns one page of the server's pre-order file listing.
func (c *Client) FileInfoSeq(ctx context.Context, first, count int) (*api.FilesPage, error) {
	q := url.Values{}
	q.Set("first", strconv.Itoa(first))
	q.Set("count", strconv.Itoa(count))

	var page api.FilesPage
	if err := c.getJSON(ctx, "/api/v1/files?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListFiles pages through the whole listing.
func (c *Client) ListFiles(ctx context.Context, pageSize int) ([]inventory.FileEntry, error) {
	var all []inventory.FileEntry
	for first := 0; ; {
		page, err := c.FileInfoSeq(ctx, first, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		first += len(page.Entries)
		if len(page.Entries) == 0 || first >= page.Total {
			return all, nil
		}
	}
}

func (c *Client) Checksum0(ctx context.Context) (inventory.Digest, error) {
	var resp api.ChecksumResponse
	if err := c.getJSON(ctx, "/api/v1/checksum0", &resp); err != nil {
		return inventory.Digest{}, err
	}
	return resp.Checksum, nil
}

func (c *Client) Checksum1Seq(ctx context.Context) ([]inventory.Digest, error) {
	var resp api.ChecksumsResponse
	if err := c.getJSON(ctx, "/api/v1/checksum1", &resp); err != nil {
		return nil, err
	}
	return resp.Checksums, nil
}

func (c *Client) Checksum2Seq(ctx context.Context, node int) ([]inventory.Digest, error) {
	var resp api.ChecksumsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/nodes/%d/checksums", node), &resp); err != nil {
		return nil, err
	}
	return resp.Checksums, nil
}

func (c *Client) Children(ctx context.Context, node int) (*service.Children, error) {
	var resp service.Children
	if err := c.getJSON(ctx, fmt.Sprintf("/api/v1/nodes/%d/children", node), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Stat(ctx context.Context, path string) (*inventory.FileEntry, error) {
	var e inventory.FileEntry
	if err := c.getJSON(ctx, "/api/v1/stat?path="+url.QueryEscape(path), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) Snapshot(ctx context.Context) (*catalog.Record, error) {
	var rec catalog.Record
	if err := c.getJSON(ctx, "/api/v1/snapshot", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Snapshots(ctx context.Context) ([]catalog.Record, error) {
	var recs []catalog.Record
	if err := c.getJSON(ctx, "/api/v1/snapshots", &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Republish asks the server to rescan and publish a new snapshot.
func (c *Client) Republish(ctx context.Context) (*catalog.Record, error) {
	var rec catalog.Record
	if err := c.do(ctx, http.MethodPost, "/api/v1/snapshot", http.StatusCreated, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FileCompressed returns the raw zstd frame for a byte range of path.
func (c *Client) FileCompressed(ctx context.Context, path string, offset int64, length int) ([]byte, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("length", strconv.Itoa(length))

	var frame []byte
	err := c.do(ctx, http.MethodGet, "/api/v1/content?"+q.Encode(), http.StatusOK, func(body io.Reader) error {
		var err error
		frame, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Download writes entry's content from offset to the end into w, one
// bounded chunk at a time, and returns the number of bytes written. A
// caller that was interrupted resumes by passing the count already stored.
func (c *Client) Download(ctx context.Context, entry inventory.FileEntry, offset int64, w io.Writer) (int64, error) {
	var written int64
	for offset < entry.Size {
		frame, err := c.FileCompressed(ctx, entry.Path, offset, c.chunkSize)
		if err != nil {
			return written, fmt.Errorf("fetching %s at %d: %w", entry.Path, offset, err)
		}
		data, err := c.compressor.Decompress(frame)
		if err != nil {
			return written, err
		}
		if len(data) == 0 {
			return written, fmt.Errorf("%s: server returned no data at offset %d of %d", entry.Path, offset, entry.Size)
		}

		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
		offset += int64(n)
	}
	return written, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, http.StatusOK, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, want int, decode func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	return decode(resp.Body)
}

// decodeError turns a server error body back into a typed error so callers
// can match it with errors.Is.
func decodeError(resp *http.Response) error {
	var e errors.Error
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Type == "" {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if e.Code == 0 {
		e.Code = resp.StatusCode
	}
	return &e
}
