package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/otelfleet/otaagent/pkg/agenterr"
	"github.com/otelfleet/otaagent/pkg/installmode"
	"github.com/otelfleet/otaagent/pkg/metrics"
	"github.com/otelfleet/otaagent/pkg/updatepackage"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	defaultChunkSize = 128 << 10
	defaultRetries   = 3
)

type Config struct {
	Logger      *slog.Logger
	DownloadDir string
	ChunkSize   int
	// Retries bounds transport retries per object.
	Retries int
	// RateLimit is in bytes per second, 0 disables throttling.
	RateLimit int
	// NewBackOff overrides the retry policy, mostly for tests.
	NewBackOff func() backoff.BackOff
	// OnProgress is called after every chunk written to staging.
	OnProgress func(obj updatepackage.Object, written int64)
	Metrics    *metrics.Metrics
}

// Pipeline stages objects into the download directory while verifying
// their digests, and streams verified objects into install handlers.
type Pipeline struct {
	logger     *slog.Logger
	dir        string
	chunkSize  int
	retries    int
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	onProgress func(obj updatepackage.Object, written int64)
	metrics    *metrics.Metrics
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		logger:     cfg.Logger,
		dir:        cfg.DownloadDir,
		chunkSize:  cfg.ChunkSize,
		retries:    cfg.Retries,
		newBackOff: cfg.NewBackOff,
		onProgress: cfg.OnProgress,
		metrics:    cfg.Metrics,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.chunkSize <= 0 {
		p.chunkSize = defaultChunkSize
	}
	if p.retries < 0 {
		p.retries = defaultRetries
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateLimit, p.chunkSize))
	}
	if p.newBackOff == nil {
		p.newBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxInterval = 30 * time.Second
			return bo
		}
	}
	return p
}

func (p *Pipeline) Dir() string {
	return p.dir
}

// StagedPath is where a verified object is kept between download and install.
func (p *Pipeline) StagedPath(sha256sum string) string {
	return filepath.Join(p.dir, sha256sum)
}

// Download fetches every object not already staged and verified. Transport
// retries within a session resume from the bytes already written. It returns
// a transfer error on digest mismatch, exhausted retries or cancellation.
func (p *Pipeline) Download(ctx context.Context, sess *Session, src Source, objects []updatepackage.Object) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return agenterr.Transfer("create download dir", err)
	}
	p.prune(objects)

	for _, obj := range lo.UniqBy(objects, func(o updatepackage.Object) string { return o.Sha256sum }) {
		if sess.Cancelled() {
			return agenterr.Transfer(obj.Filename, agenterr.ErrCancelled)
		}
		if sess.verified(obj.Sha256sum) {
			continue
		}
		ok, size := p.verifyStaged(obj)
		if ok {
			p.logger.With("object", obj.Filename).Debug("object already downloaded")
			sess.setVerified(obj.Sha256sum)
			continue
		}
		if size > 0 {
			// sessions are not persisted, leftovers of an earlier run start over
			os.Remove(p.StagedPath(obj.Sha256sum))
		}
		if err := p.downloadWithRetry(ctx, sess, src, obj); err != nil {
			if errors.Is(err, agenterr.ErrCancelled) || ctx.Err() != nil {
				p.discard(obj)
			}
			return err
		}
		sess.setVerified(obj.Sha256sum)
	}
	return nil
}

func (p *Pipeline) discard(obj updatepackage.Object) {
	path := p.StagedPath(obj.Sha256sum)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.With("err", err, "path", path).Warn("failed to discard partial download")
	}
}

// prune removes files in the download dir that belong to no object of the
// current package.
func (p *Pipeline) prune(objects []updatepackage.Object) {
	keep := lo.SliceToMap(objects, func(o updatepackage.Object) (string, struct{}) {
		return o.Sha256sum, struct{}{}
	})
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if _, ok := keep[e.Name()]; ok || e.IsDir() {
			continue
		}
		path := filepath.Join(p.dir, e.Name())
		if err := os.Remove(path); err != nil {
			p.logger.With("err", err, "path", path).Warn("failed to prune download")
		}
	}
}

func (p *Pipeline) downloadWithRetry(ctx context.Context, sess *Session, src Source, obj updatepackage.Object) error {
	l := p.logger.With("object", obj.Filename, "sha256sum", obj.Sha256sum)
	bo := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.retries)), ctx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := p.downloadObject(ctx, sess, src, obj)
		if err == nil {
			return nil
		}
		if errors.Is(err, agenterr.ErrCancelled) ||
			errors.Is(err, agenterr.ErrDigestMismatch) ||
			ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, next time.Duration) {
		l.With("err", err, "attempt", attempt, "retry-in", next).Warn("object download failed, retrying")
	})
	if err != nil {
		if agenterr.KindOf(err) == agenterr.KindTransfer {
			return err
		}
		return agenterr.Transfer(obj.Filename, err)
	}
	l.Info("object downloaded")
	return nil
}

func (p *Pipeline) downloadObject(ctx context.Context, sess *Session, src Source, obj updatepackage.Object) error {
	path := p.StagedPath(obj.Sha256sum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	offset, err := p.rehash(f, h, obj.Size)
	if err != nil {
		return err
	}

	rc, start, err := src.Open(ctx, obj, offset)
	if err != nil {
		return err
	}
	defer rc.Close()
	if start != offset {
		if err := f.Truncate(start); err != nil {
			return err
		}
		h.Reset()
		if offset, err = p.rehash(f, h, start); err != nil {
			return err
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}

	written := offset
	sess.setWritten(obj.Sha256sum, written)
	buf := make([]byte, p.chunkSize)
	for {
		if sess.Cancelled() {
			return agenterr.Transfer(obj.Filename, agenterr.ErrCancelled)
		}
		n, rerr := io.ReadFull(rc, buf)
		if n > 0 {
			if written+int64(n) > obj.Size {
				return p.mismatch(f, obj, fmt.Errorf("object is larger than %d bytes", obj.Size))
			}
			if err := p.wait(ctx, n); err != nil {
				return err
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			h.Write(buf[:n])
			written += int64(n)
			if p.metrics != nil {
				p.metrics.TransferBytes.Add(float64(n))
			}
			sess.setWritten(obj.Sha256sum, written)
			if p.onProgress != nil {
				p.onProgress(obj, written)
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if written < obj.Size {
		return fmt.Errorf("short read: got %d of %d bytes", written, obj.Size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != obj.Sha256sum {
		return p.mismatch(f, obj, fmt.Errorf("got %s", got))
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) mismatch(f *os.File, obj updatepackage.Object, cause error) error {
	f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.With("err", err).Warn("failed to remove corrupt download")
	}
	return agenterr.Transfer(obj.Filename, fmt.Errorf("%w: %w", agenterr.ErrDigestMismatch, cause))
}

// rehash feeds the first limit bytes already in f into h and returns how
// many there were. A file longer than limit is truncated to zero.
func (p *Pipeline) rehash(f *os.File, h hash.Hash, limit int64) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() > limit {
		if err := f.Truncate(0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(h, io.LimitReader(f, limit))
}

func (p *Pipeline) wait(ctx context.Context, n int) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.WaitN(ctx, n)
}

// verifyStaged reports whether a complete, valid copy of obj is staged,
// along with the size of whatever is staged.
func (p *Pipeline) verifyStaged(obj updatepackage.Object) (bool, int64) {
	f, err := os.Open(p.StagedPath(obj.Sha256sum))
	if err != nil {
		return false, 0
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, 0
	}
	if info.Size() != obj.Size {
		return false, info.Size()
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, info.Size()
	}
	return hex.EncodeToString(h.Sum(nil)) == obj.Sha256sum, info.Size()
}

// Install streams each staged object through its handler, in plan order.
// The digest is checked again before Finalize; any failure aborts the
// handler of the object in flight.
func (p *Pipeline) Install(ctx context.Context, plan *installmode.Plan) error {
	for _, step := range plan.Steps {
		l := p.logger.With("object", step.Object.Filename, "mode", step.Object.Mode)
		l.Info("installing object")
		if err := p.installObject(ctx, step); err != nil {
			l.With("err", err).Error("object install failed")
			return err
		}
	}
	return nil
}

func (p *Pipeline) installObject(ctx context.Context, step installmode.Step) error {
	obj := step.Object
	f, err := os.Open(p.StagedPath(obj.Sha256sum))
	if err != nil {
		return agenterr.Transfer(obj.Filename, fmt.Errorf("object not downloaded: %w", err))
	}
	defer f.Close()

	handler, err := step.Installer.Open()
	if err != nil {
		return agenterr.Install(obj.Mode, err)
	}
	abort := func(cause error) error {
		if err := handler.Abort(); err != nil {
			p.logger.With("err", err, "object", obj.Filename).Warn("handler abort failed")
		}
		return cause
	}

	h := sha256.New()
	buf := make([]byte, p.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return abort(agenterr.Install(obj.Mode, err))
		}
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			h.Write(buf[:n])
			if _, err := handler.Receive(buf[:n]); err != nil {
				return abort(agenterr.Install(obj.Mode, err))
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return abort(agenterr.Transfer(obj.Filename, rerr))
		}
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != obj.Sha256sum {
		return abort(agenterr.Transfer(obj.Filename, fmt.Errorf("%w: staged object changed, got %s", agenterr.ErrDigestMismatch, got)))
	}
	if err := handler.Finalize(); err != nil {
		return agenterr.Install(obj.Mode, err)
	}
	return nil
}

// Clear removes every staged object.
func (p *Pipeline) Clear() error {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
