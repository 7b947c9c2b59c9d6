package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/brensch/urnalog/internal/model"
)

var (
	// ErrSizeUnknown means the server did not report a usable Content-Length,
	// so the resource cannot be split into byte ranges.
	ErrSizeUnknown = errors.New("remote size unknown")
	// ErrIncompleteDownload means at least one chunk never arrived.
	ErrIncompleteDownload = errors.New("incomplete download")
)

// Downloader fetches a remote resource over several parallel range requests.
type Downloader struct {
	client      *resty.Client
	connections int
	logger      *slog.Logger
}

// New returns a Downloader using client for every request and splitting each
// resource into connections ranges.
func New(client *resty.Client, connections int, logger *slog.Logger) *Downloader {
	if connections < 1 {
		connections = 1
	}
	return &Downloader{client: client, connections: connections, logger: logger}
}

// PlanChunks splits [0, total) into n contiguous ranges. The last range ends
// at total-1 and absorbs the remainder of the division. n is clamped to total
// so that no range is empty.
func PlanChunks(total int64, n int) []model.ChunkSpec {
	if total <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > total {
		n = int(total)
	}
	size := total / int64(n)
	chunks := make([]model.ChunkSpec, n)
	for i := 0; i < n; i++ {
		start := int64(i) * size
		end := start + size - 1
		if i == n-1 {
			end = total - 1
		}
		chunks[i] = model.ChunkSpec{Index: i, Start: start, End: end}
	}
	return chunks
}

// PartPath is the temporary file a chunk is written to.
func PartPath(dest string, index int) string {
	return fmt.Sprintf("%s.part%d", dest, index)
}

// Download fetches url into dest. Either dest is written completely or it is
// not created at all; chunk files are removed on every path.
func (d *Downloader) Download(ctx context.Context, url, dest string) error {
	startTime := time.Now()
	l := d.logger.With(slog.String("url", url), slog.String("dest", dest))
	l.Info("Starting multi-connection download.", slog.Int("connections", d.connections))

	total, err := d.headSize(ctx, url)
	if err != nil {
		l.Error("Size lookup failed.", "error", err)
		return err
	}

	chunks := PlanChunks(total, d.connections)
	l.Debug("Planned chunks.", slog.Int64("total_bytes", total), slog.Int("chunks", len(chunks)))

	defer func() {
		for _, c := range chunks {
			if err := os.Remove(PartPath(dest, c.Index)); err != nil && !os.IsNotExist(err) {
				l.Warn("Failed to remove chunk file.", slog.Int("chunk", c.Index), "error", err)
			}
		}
	}()

	// No context on the group: a failing chunk must not cancel its siblings.
	var g errgroup.Group
	for _, c := range chunks {
		g.Go(func() error {
			return d.fetchChunk(ctx, url, dest, c, total)
		})
	}
	chunkErr := g.Wait()
	if chunkErr != nil {
		l.Warn("At least one chunk failed.", "error", chunkErr)
	}

	if err := assemble(dest, chunks); err != nil {
		l.Error("Reassembly failed.", "error", err)
		return errors.Join(err, chunkErr)
	}

	l.Info("Download complete.",
		slog.Int64("bytes", total),
		slog.Duration("duration", time.Since(startTime).Round(time.Millisecond)))
	return nil
}

func (d *Downloader) headSize(ctx context.Context, url string) (int64, error) {
	resp, err := d.client.R().SetContext(ctx).Head(url)
	if err != nil {
		return 0, fmt.Errorf("HEAD %s: %w", url, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("HEAD %s: bad status '%s'", url, resp.Status())
	}
	size := resp.RawResponse.ContentLength
	if size <= 0 {
		return 0, fmt.Errorf("HEAD %s: %w", url, ErrSizeUnknown)
	}
	return size, nil
}

// fetchChunk writes one byte range to its part file. The part file only
// survives when the whole range was received.
func (d *Downloader) fetchChunk(ctx context.Context, url, dest string, c model.ChunkSpec, total int64) error {
	l := d.logger.With(slog.Int("chunk", c.Index), slog.String("range", c.RangeHeader()))
	part := PartPath(dest, c.Index)

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Range", c.RangeHeader()).
		SetOutput(part).
		Get(url)

	fail := func(err error) error {
		os.Remove(part)
		l.Error("Could not download chunk.", "error", err)
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}

	if err != nil {
		return fail(err)
	}
	switch resp.StatusCode() {
	case http.StatusPartialContent:
	case http.StatusOK:
		// A server ignoring Range sends the whole body, which is only right
		// when this chunk is the whole resource.
		if c.Start != 0 || c.End != total-1 {
			return fail(fmt.Errorf("server ignored range request"))
		}
	default:
		return fail(fmt.Errorf("bad status '%s'", resp.Status()))
	}

	info, err := os.Stat(part)
	if err != nil {
		return fail(err)
	}
	if info.Size() != c.Len() {
		return fail(fmt.Errorf("short chunk: got %d bytes, want %d", info.Size(), c.Len()))
	}
	l.Debug("Chunk downloaded.", slog.Int64("bytes", info.Size()))
	return nil
}

// assemble concatenates part files in index order into dest. It writes to a
// temporary sibling first so dest never holds a partial file.
func assemble(dest string, chunks []model.ChunkSpec) error {
	for _, c := range chunks {
		if _, err := os.Stat(PartPath(dest, c.Index)); err != nil {
			return fmt.Errorf("%w: chunk %d missing", ErrIncompleteDownload, c.Index)
		}
	}

	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	writeErr := func() error {
		for _, c := range chunks {
			in, err := os.Open(PartPath(dest, c.Index))
			if err != nil {
				return fmt.Errorf("%w: open chunk %d: %v", ErrIncompleteDownload, c.Index, err)
			}
			_, err = io.Copy(out, in)
			in.Close()
			if err != nil {
				return fmt.Errorf("copy chunk %d: %w", c.Index, err)
			}
		}
		return out.Sync()
	}()
	closeErr := out.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
