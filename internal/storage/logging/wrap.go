package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/correlation"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
)

type driver struct {
	inner  storage.Driver
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Driver, logger pslog.Logger, sys string) storage.Driver {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &driver{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/cloudstorage/storage"),
		sys:    sys,
	}
}

func (d *driver) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := d.tracer.Start(ctx, "cloudstorage.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("cloudstorage.storage.operation", op),
		attribute.String("cloudstorage.sys", d.sys),
		attribute.String("cloudstorage.storage.key", key),
	)

	logger := d.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("cloudstorage.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "key", key)

	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		span.SetAttributes(attribute.Int64("cloudstorage.storage.duration_ms", elapsed.Milliseconds()))
		if err != nil && !storage.IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage."+op+".success", "key", key, "not_found", err != nil, "elapsed", elapsed)
	}
}

func (d *driver) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	ctx, span, logger, finish := d.start(ctx, "initiate_multipart", key)
	defer span.End()
	id, err := d.inner.InitiateMultipart(ctx, key, opts)
	finish(err)
	if err == nil {
		logger.Debug("storage.initiate_multipart.session", "key", key, "upload_id", id, "content_type", opts.ContentType)
	}
	return id, err
}

func (d *driver) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	ctx, span, _, finish := d.start(ctx, "put_part", key)
	defer span.End()
	span.SetAttributes(
		attribute.Int("cloudstorage.storage.part_number", partNumber),
		attribute.Int64("cloudstorage.storage.size", size),
	)
	etag, err := d.inner.PutPart(ctx, key, sessionID, partNumber, body, size)
	finish(err)
	return etag, err
}

func (d *driver) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	ctx, span, logger, finish := d.start(ctx, "commit_multipart", key)
	defer span.End()
	span.SetAttributes(attribute.Int("cloudstorage.storage.parts", len(parts)))
	err := d.inner.CommitMultipart(ctx, key, sessionID, parts)
	finish(err)
	if err == nil {
		logger.Debug("storage.commit_multipart.done", "key", key, "upload_id", sessionID, "parts", len(parts))
	}
	return err
}

func (d *driver) AbortMultipart(ctx context.Context, key, sessionID string) error {
	ctx, span, _, finish := d.start(ctx, "abort_multipart", key)
	defer span.End()
	err := d.inner.AbortMultipart(ctx, key, sessionID)
	finish(err)
	return err
}

func (d *driver) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := d.start(ctx, "stat_object", key)
	defer span.End()
	info, err := d.inner.StatObject(ctx, key)
	finish(err)
	if info != nil {
		span.SetAttributes(attribute.Int64("cloudstorage.storage.size", info.Size))
	}
	return info, err
}

func (d *driver) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	ctx, span, logger, finish := d.start(ctx, "list_objects", prefix)
	defer span.End()
	count := 0
	err := d.inner.ListObjects(ctx, prefix, func(info storage.ObjectInfo) error {
		count++
		return visit(info)
	})
	finish(err)
	span.SetAttributes(attribute.Int("cloudstorage.storage.objects", count))
	logger.Trace("storage.list_objects.count", "prefix", prefix, "objects", count)
	return err
}

func (d *driver) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	ctx, span, _, finish := d.start(ctx, "put_object", key)
	defer span.End()
	span.SetAttributes(attribute.Int64("cloudstorage.storage.size", opts.Size))
	info, err := d.inner.PutObject(ctx, key, body, opts)
	finish(err)
	return info, err
}

func (d *driver) DeleteObject(ctx context.Context, key string) error {
	ctx, span, _, finish := d.start(ctx, "delete_object", key)
	defer span.End()
	err := d.inner.DeleteObject(ctx, key)
	finish(err)
	return err
}

func (d *driver) PublicURL(key string) (string, error) {
	return d.inner.PublicURL(key)
}

func (d *driver) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	ctx, span, _, finish := d.start(ctx, "sign_url", key)
	defer span.End()
	span.SetAttributes(attribute.String("cloudstorage.storage.method", opts.Method))
	u, err := d.inner.SignURL(ctx, key, opts)
	finish(err)
	return u, err
}

func (d *driver) SetCORS(ctx context.Context, origins []string) error {
	cfg, ok := d.inner.(storage.CORSConfigurer)
	if !ok {
		return storage.ErrNotImplemented
	}
	ctx, span, logger, finish := d.start(ctx, "set_cors", "")
	defer span.End()
	err := cfg.SetCORS(ctx, origins)
	finish(err)
	if err == nil {
		logger.Info("storage.set_cors.done", "origins", origins)
	}
	return err
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
	err := d.inner.Close()
	if err != nil {
		d.logger.Warn("storage.close.error", "error", err)
	}
	return err
}
