// Package flash streams a remote disk image onto a block device without
// staging the full image locally. Bytes flow from the network through a
// bounded chunk pipeline straight to the device at a monotonically
// advancing offset.
package flash

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/logscore/pervie/pkg/disk"
)

// Options tune the streaming pipeline. Zero values take defaults, except
// ResumeAttempts where 0 is meaningful and disables resuming; a negative
// value takes the default.
type Options struct {
	ChunkSize      int           // bytes per chunk read from the network
	ChunkBuffer    int           // chunks in flight between download and write
	ResumeAttempts int           // resumes after a network interruption, 0 for none
	DialTimeout    time.Duration // connection establishment budget
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 4 << 20
	}
	if o.ChunkBuffer <= 0 {
		o.ChunkBuffer = 4
	}
	if o.ResumeAttempts < 0 {
		o.ResumeAttempts = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	return o
}

// Source identifies the remote image. SHA256 is an optional hex digest the
// written device contents are verified against.
type Source struct {
	URL    string
	SHA256 string
}

// ProgressFunc receives flash progress. bytesTotal is 0 when the server
// does not report a content length; consumers must not derive a
// percentage in that case. bytesDone never decreases across resume
// attempts.
type ProgressFunc func(bytesDone, bytesTotal int64)

// Flasher downloads and writes remote images.
type Flasher struct {
	client *http.Client
	opts   Options
}

// New builds a Flasher. The HTTP client has no overall timeout: image
// downloads legitimately run for a long time, so only dialing and TLS
// setup are bounded.
func New(opts Options) *Flasher {
	opts = opts.withDefaults()
	return &Flasher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
				TLSHandshakeTimeout:   opts.DialTimeout,
				ResponseHeaderTimeout: opts.DialTimeout,
			},
		},
		opts: opts,
	}
}

// Flash streams src onto dev. It never buffers more than
// ChunkBuffer+1 chunks in memory regardless of image size. Network
// interruptions are resumed a bounded number of times, continuing from
// the last fully written offset when the server honors range requests and
// restarting from zero otherwise.
func (f *Flasher) Flash(ctx context.Context, dev BlockDevice, src Source, emit ProgressFunc) error {
	capacity, err := dev.Capacity()
	if err != nil {
		return disk.WrapError(disk.KindUnknownDevice, err, "device capacity unknown")
	}

	total, ranges := f.preflight(ctx, src.URL)
	if total > 0 && total > capacity {
		return disk.NewError(disk.KindInsufficientCapacity,
			"image is %d bytes but device holds only %d; nothing was written", total, capacity)
	}

	if emit == nil {
		emit = func(int64, int64) {}
	}
	// Progress never regresses, even when a resume restarts from zero.
	highWater := int64(-1)
	emitMono := func(done int64) {
		if done > highWater {
			highWater = done
			emit(done, total)
		}
	}

	written := int64(0)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	for attempt := 0; ; attempt++ {
		written, err = f.stream(ctx, dev, src.URL, written, capacity, ranges, emitMono)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var oe *disk.OpError
		if errors.As(err, &oe) {
			return err
		}
		if attempt >= f.opts.ResumeAttempts {
			return disk.WrapError(disk.KindNetworkFailure, err,
				"download failed after %d resume attempts", f.opts.ResumeAttempts)
		}
		if !ranges {
			written = 0
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"offset":  written,
		}).Warn("network interruption, resuming")
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := dev.Sync(); err != nil {
		return disk.WrapError(disk.KindCommandFailed, err, "sync device")
	}
	if src.SHA256 != "" {
		if err := f.verify(ctx, dev, written, src.SHA256); err != nil {
			return err
		}
	}
	emitMono(written)
	logrus.WithField("bytes", written).Info("flash complete")
	return nil
}

// preflight asks the server for the image size and range support. Failures
// are tolerated: size stays unknown and the GET path reports real network
// errors.
func (f *Flasher) preflight(ctx context.Context, url string) (total int64, ranges bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("preflight HEAD failed")
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, false
	}
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	ranges = strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
	return total, ranges
}

// stream performs one download attempt starting at offset and returns the
// new offset of fully written bytes. Classified (*disk.OpError) failures
// are terminal; anything else is a resumable network error.
func (f *Flasher) stream(ctx context.Context, dev BlockDevice, url string, offset, capacity int64, ranges bool, emit func(int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return offset, disk.WrapError(disk.KindNetworkFailure, err, "bad source URL %q", url)
	}
	if offset > 0 && ranges {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return offset, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Continue at offset.
	case resp.StatusCode == http.StatusOK:
		// Server ignored the range request; start over.
		offset = 0
	default:
		return offset, disk.NewError(disk.KindNetworkFailure,
			"server answered %s for %s", resp.Status, url)
	}

	chunks := make(chan []byte, f.opts.ChunkBuffer)
	g, gctx := errgroup.WithContext(ctx)

	declared := resp.ContentLength
	g.Go(func() error {
		defer close(chunks)
		var got int64
		for {
			buf := make([]byte, f.opts.ChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			got += int64(n)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// A close at a chunk boundary also surfaces as EOF;
				// the declared length tells truncation from the real
				// end of the stream.
				if declared >= 0 && got < declared {
					return errors.Errorf("connection closed after %d of %d bytes", got, declared)
				}
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	written := offset
	g.Go(func() error {
		for buf := range chunks {
			// Cooperative cancellation between chunks; an in-flight
			// WriteAt is never interrupted.
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if written+int64(len(buf)) > capacity {
				return disk.NewError(disk.KindInsufficientCapacity,
					"device full at offset %d; device left partially written and unverified", written)
			}
			n, err := dev.WriteAt(buf, written)
			if err != nil {
				return disk.WrapError(disk.KindCommandFailed, err, "write at offset %d", written)
			}
			written += int64(n)
			emit(written)
		}
		return nil
	})

	err = g.Wait()
	return written, err
}

// verify independently re-reads the written region and compares its
// SHA-256 against the expected digest. A mismatch is a distinct outcome
// from a network failure: all bytes were written, but they are wrong.
func (f *Flasher) verify(ctx context.Context, dev BlockDevice, n int64, expected string) error {
	sum, err := checksumRegion(ctx, dev, n, f.opts.ChunkSize)
	if err != nil {
		return err
	}
	if !strings.EqualFold(sum, expected) {
		return disk.NewError(disk.KindChecksumMismatch,
			"device sha256 %s does not match expected %s; written data is unverified", sum, expected)
	}
	logrus.WithField("sha256", sum).Info("checksum verified")
	return nil
}
