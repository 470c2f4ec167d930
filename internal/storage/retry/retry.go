package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/pslog"
)

// ErrNonReplayableBody is returned when a transient failure occurs on an
// upload whose body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a driver that retries transient errors according to cfg.
func Wrap(inner storage.Driver, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Driver {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &driver{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type driver struct {
	inner  storage.Driver
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (d *driver) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	var id string
	err := d.withRetry(ctx, "initiate_multipart", key, func(ctx context.Context) error {
		var err error
		id, err = d.inner.InitiateMultipart(ctx, key, opts)
		return err
	})
	return id, err
}

func (d *driver) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	var etag string
	err := d.withReplay(ctx, "put_part", key, body, func(ctx context.Context) error {
		var err error
		etag, err = d.inner.PutPart(ctx, key, sessionID, partNumber, body, size)
		return err
	})
	return etag, err
}

func (d *driver) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	return d.withRetry(ctx, "commit_multipart", key, func(ctx context.Context) error {
		return d.inner.CommitMultipart(ctx, key, sessionID, parts)
	})
}

func (d *driver) AbortMultipart(ctx context.Context, key, sessionID string) error {
	return d.withRetry(ctx, "abort_multipart", key, func(ctx context.Context) error {
		return d.inner.AbortMultipart(ctx, key, sessionID)
	})
}

func (d *driver) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := d.withRetry(ctx, "stat_object", key, func(ctx context.Context) error {
		var err error
		info, err = d.inner.StatObject(ctx, key)
		return err
	})
	return info, err
}

// ListObjects retries only until the first object has been visited so
// callers never see an object twice.
func (d *driver) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	visited := false
	return d.withRetry(ctx, "list_objects", prefix, func(ctx context.Context) error {
		err := d.inner.ListObjects(ctx, prefix, func(info storage.ObjectInfo) error {
			visited = true
			return visit(info)
		})
		if err != nil && visited && storage.IsTransient(err) {
			return fmt.Errorf("retry: list interrupted after visiting objects: %v", err)
		}
		return err
	})
}

func (d *driver) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := d.withReplay(ctx, "put_object", key, body, func(ctx context.Context) error {
		var err error
		info, err = d.inner.PutObject(ctx, key, body, opts)
		return err
	})
	return info, err
}

func (d *driver) DeleteObject(ctx context.Context, key string) error {
	return d.withRetry(ctx, "delete_object", key, func(ctx context.Context) error {
		return d.inner.DeleteObject(ctx, key)
	})
}

func (d *driver) PublicURL(key string) (string, error) {
	return d.inner.PublicURL(key)
}

func (d *driver) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	return d.inner.SignURL(ctx, key, opts)
}

func (d *driver) SetCORS(ctx context.Context, origins []string) error {
	cfg, ok := d.inner.(storage.CORSConfigurer)
	if !ok {
		return storage.ErrNotImplemented
	}
	return d.withRetry(ctx, "set_cors", "", func(ctx context.Context) error {
		return cfg.SetCORS(ctx, origins)
	})
}

func (d *driver) OverwritesOnCommit() bool {
	return storage.OverwritesOnCommit(d.inner)
}

func (d *driver) Provider() string {
	if desc, ok := d.inner.(storage.Describer); ok {
		return desc.Provider()
	}
	return "unknown"
}

func (d *driver) Container() string {
	if desc, ok := d.inner.(storage.Describer); ok {
		return desc.Container()
	}
	return ""
}

func (d *driver) Close() error {
	return d.inner.Close()
}

// withReplay rewinds seekable bodies between attempts. Bodies that cannot
// seek get one attempt; a transient failure is reported as
// ErrNonReplayableBody.
func (d *driver) withReplay(ctx context.Context, op, key string, body io.Reader, fn func(context.Context) error) error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		err := fn(ctx)
		if err != nil && storage.IsTransient(err) && d.cfg.MaxAttempts > 1 {
			return fmt.Errorf("%w: %w", ErrNonReplayableBody, err)
		}
		return err
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return fn(ctx)
	}
	first := true
	return d.withRetry(ctx, op, key, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return fmt.Errorf("retry: rewind body: %w", err)
			}
		}
		first = false
		return fn(ctx)
	})
}

func (d *driver) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := d.cfg.MaxAttempts
	delay := d.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn("storage.transient_error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * d.cfg.Multiplier)
		if d.cfg.MaxDelay > 0 && next > d.cfg.MaxDelay {
			next = d.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
