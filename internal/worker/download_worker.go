package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
	"github.com/veranemoloko/stream-assembler/internal/metrics"
	"github.com/veranemoloko/stream-assembler/internal/storage"
)

// ProgressFunc is called after every committed chunk. Returning an error
// aborts the fetch with that error.
type ProgressFunc func(task *domain.DownloadTask) error

// DownloadWorker fetches format streams into part files and resumes them
// with byte-range requests.
type DownloadWorker struct {
	fileStorage *storage.FileStorage
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewDownloadWorker creates a new DownloadWorker. responseTimeout bounds the
// wait for response headers only; reading the body is bounded by the fetch
// context. Zero disables the header timeout.
func NewDownloadWorker(fileStorage *storage.FileStorage, responseTimeout time.Duration, logger *slog.Logger) *DownloadWorker {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = responseTimeout

	return &DownloadWorker{
		fileStorage: fileStorage,
		httpClient: &http.Client{
			Transport: transport,
		},
		logger: logger,
	}
}

// Fetch downloads task.Format into task.Destination. An existing part file is
// resumed from its current size. On interruption or cancellation the part
// file is kept for a later attempt.
func (w *DownloadWorker) Fetch(ctx context.Context, task *domain.DownloadTask, progress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return errpkg.Canceled(err)
	}

	req, err := task.Format.RequestDescriptor(ctx)
	if err != nil {
		return err
	}

	part, err := w.fileStorage.AcquirePart(task.Destination)
	if err != nil {
		return err
	}
	defer part.Close()

	offset := part.Size()
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	task.ChunkStart = offset
	task.BytesReceived = offset

	w.logger.Debug("fetch started",
		"request", task.Describe(req),
		"destination", task.Destination,
	)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errpkg.Canceled(ctx.Err())
		}
		return &errpkg.TransferInterruptedError{BytesReceived: offset, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if _, _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && total == offset {
			// the part file already holds the whole resource
			task.TotalBytes = total
			part.Close()
			return w.fileStorage.Promote(task.Destination)
		}
		return fmt.Errorf("%w: offset %d", errpkg.ErrRangeNotSatisfiable, offset)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		w.logger.Error("fetch failed",
			"format_id", task.Format.FormatID,
			"status", resp.Status,
		)
		return &errpkg.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	case offset > 0 && resp.StatusCode != http.StatusPartialContent:
		w.logger.Warn("server ignored range request, restarting from zero",
			"format_id", task.Format.FormatID,
			"discarded_bytes", offset,
		)
		if err := part.Reset(); err != nil {
			return fmt.Errorf("reset part file: %w", err)
		}
		offset = 0
		task.ChunkStart = 0
		task.BytesReceived = 0

	case offset > 0:
		if start, _, _, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && start != offset {
			return fmt.Errorf("%w: server resumed at byte %d, expected %d", errpkg.ErrRangeNotSatisfiable, start, offset)
		}
		metrics.DownloadsResumed.Inc()
	}

	task.TotalBytes = totalSize(resp, offset)
	if task.TotalKnown() && offset > task.TotalBytes {
		return fmt.Errorf("%w: offset %d beyond size %d", errpkg.ErrRangeNotSatisfiable, offset, task.TotalBytes)
	}
	if task.TotalKnown() && resp.ContentLength >= 0 && offset+resp.ContentLength > task.TotalBytes {
		return fmt.Errorf("%w: %d bytes announced at offset %d, size is %d",
			errpkg.ErrSizeMismatch, resp.ContentLength, offset, task.TotalBytes)
	}

	if progress != nil {
		if err := progress(task); err != nil {
			return err
		}
	}

	if err := w.copyChunks(ctx, part, resp.Body, task, progress); err != nil {
		return err
	}

	if task.TotalKnown() && task.BytesReceived != task.TotalBytes {
		return &errpkg.TransferInterruptedError{
			BytesReceived: task.BytesReceived,
			Err:           fmt.Errorf("%w: got %d of %d bytes", errpkg.ErrSizeMismatch, task.BytesReceived, task.TotalBytes),
		}
	}

	if err := part.Close(); err != nil {
		return fmt.Errorf("close part file: %w", err)
	}
	if err := w.fileStorage.Promote(task.Destination); err != nil {
		return err
	}

	w.logger.Debug("fetch completed",
		"format_id", task.Format.FormatID,
		"bytes", task.BytesReceived,
		"destination", task.Destination,
	)
	return nil
}

// copyChunks appends the body to the part file one chunk at a time. Every
// chunk is read completely before it is written, and cancellation is checked
// between chunks, so a canceled fetch leaves the file on a chunk boundary.
func (w *DownloadWorker) copyChunks(ctx context.Context, part *storage.PartFile, src io.Reader, task *domain.DownloadTask, progress ProgressFunc) error {
	buf := make([]byte, task.Format.ChunkSize())

	for {
		if err := ctx.Err(); err != nil {
			return errpkg.Canceled(err)
		}

		n, readErr := readChunk(src, buf)
		if readErr != nil && readErr != io.EOF && ctx.Err() != nil {
			return errpkg.Canceled(ctx.Err())
		}

		if n > 0 {
			if task.TotalKnown() && task.BytesReceived+int64(n) > task.TotalBytes {
				return fmt.Errorf("%w: server sent more than %d bytes", errpkg.ErrSizeMismatch, task.TotalBytes)
			}
			if err := part.WriteChunk(buf[:n]); err != nil {
				return fmt.Errorf("write part file: %w", err)
			}
			task.BytesReceived += int64(n)
			task.ChunkStart = task.BytesReceived
			metrics.DownloadBytes.Add(float64(n))

			if progress != nil {
				if err := progress(task); err != nil {
					return err
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return &errpkg.TransferInterruptedError{BytesReceived: task.BytesReceived, Err: readErr}
		}
	}
}

// readChunk fills buf unless the reader ends or fails first. io.EOF is
// returned only for a clean end of stream.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) && err != io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
	}
	return n, nil
}

func totalSize(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if _, _, total, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
			return total
		}
	}
	if resp.ContentLength >= 0 {
		return offset + resp.ContentLength
	}
	return -1
}

// parseContentRange parses "bytes a-b/total" and "bytes */total". total is -1
// when the server reports "*".
func parseContentRange(v string) (start, end, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, 0, false
	}

	total = -1
	if size != "*" {
		t, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		total = t
	}

	if rng == "*" {
		return -1, -1, total, true
	}
	first, last, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, 0, false
	}
	s, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	e, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return s, e, total, true
}
