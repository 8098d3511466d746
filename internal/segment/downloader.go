package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aoyama86/segpull/internal/network"
	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/logging"
	"github.com/aoyama86/segpull/pkg/metrics"
	"github.com/aoyama86/segpull/pkg/ratelimit"
	"github.com/aoyama86/segpull/pkg/types"
)

// Downloader transfers one segment's byte range into a positioned writer.
type Downloader struct {
	pool      *network.ClientPool
	userAgent string
	chunkSize int
	log       zerolog.Logger
}

// NewDownloader creates a segment downloader using clients from the pool.
func NewDownloader(pool *network.ClientPool, userAgent string, chunkSize int) *Downloader {
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}
	return &Downloader{
		pool:      pool,
		userAgent: userAgent,
		chunkSize: chunkSize,
		log:       logging.New("segment"),
	}
}

// Transfer downloads the segment's remaining range from srcURL, writing
// each chunk at its absolute file offset. Progress resumes from
// StartByte+DownloadedBytes; onBytes is invoked per written chunk.
// Cancellation is chunk-atomic: a chunk is either fully written and counted
// or not written at all, and ctx.Err comes back unwrapped.
func (d *Downloader) Transfer(
	ctx context.Context,
	seg *types.DownloadSegment,
	srcURL string,
	headers map[string]string,
	dst io.WriterAt,
	limiter ratelimit.Limiter,
	onBytes func(int64),
) error {
	if seg.EndByte != openEnd && seg.Remaining() <= 0 {
		seg.Status = types.SegmentCompleted
		return nil
	}

	offset := seg.StartByte + seg.DownloadedBytes

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return errors.WrapURL(err, errors.CodeInvalidURL, "failed to build segment request", srcURL)
	}
	req.Header.Set("User-Agent", d.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if seg.EndByte == openEnd {
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, seg.EndByte))
	}

	resp, err := d.pool.ClientFor(srcURL).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapURL(err, errors.CodeNetworkError, "segment request failed", srcURL)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// The server ignored the range and is sending the whole file.
		// Restart this segment's accounting from zero so offsets stay true.
		if seg.StartByte != 0 {
			return errors.FromHTTPStatus(resp.StatusCode, srcURL)
		}
		offset = 0
		seg.DownloadedBytes = 0
	default:
		return errors.FromHTTPStatus(resp.StatusCode, srcURL)
	}

	seg.Status = types.SegmentDownloading

	buf := make([]byte, d.chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 && seg.EndByte != openEnd {
			// A server that ignored the range keeps streaming past the
			// segment's end; never write or count bytes beyond it.
			if room := seg.EndByte + 1 - offset; int64(n) >= room {
				n = int(room)
				readErr = io.EOF
			}
		}
		if n > 0 {
			if limiter != nil {
				if err := limiter.Wait(ctx, n); err != nil {
					return err
				}
			}
			if _, err := dst.WriteAt(buf[:n], offset); err != nil {
				return errors.Wrap(err, errors.CodeStorageError, "failed to write segment data")
			}
			offset += int64(n)
			seg.DownloadedBytes += int64(n)
			metrics.BytesDownloaded.Add(float64(n))
			if onBytes != nil {
				onBytes(int64(n))
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WrapURL(readErr, errors.CodeNetworkError, "segment read failed", srcURL)
		}
	}

	if seg.EndByte == openEnd {
		// EOF defines the size for open-ended segments.
		seg.EndByte = seg.StartByte + seg.DownloadedBytes - 1
	} else if seg.Remaining() > 0 {
		return errors.WrapURL(io.ErrUnexpectedEOF, errors.CodeNetworkError,
			fmt.Sprintf("segment truncated: %d of %d bytes", seg.DownloadedBytes, seg.Length()), srcURL)
	}

	seg.Status = types.SegmentCompleted
	return nil
}
