package httpapi

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/correlation"
)

// correlationAppliedKey marks log enrichment to avoid duplicate correlation fields.
type correlationAppliedKey struct{}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func applyCorrelation(ctx context.Context, logger pslog.Logger, span trace.Span) (context.Context, pslog.Logger) {
	id := correlation.ID(ctx)
	if id == "" {
		return ctx, logger
	}
	if ctx.Value(correlationAppliedKey{}) == nil {
		logger = logger.With("cid", id)
		ctx = context.WithValue(ctx, correlationAppliedKey{}, struct{}{})
	} else if existing := pslog.LoggerFromContext(ctx); existing != nil {
		logger = existing
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	if span != nil {
		span.SetAttributes(attribute.String("cloudstorage.correlation_id", id))
	}
	return ctx, logger
}

// apiToken extracts the caller's token from the Authorization header (raw
// key or Bearer scheme) or the legacy CKAN header.
func apiToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		if scheme, rest, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
		return v
	}
	return strings.TrimSpace(r.Header.Get(headerAPIKey))
}

func helpURL(r *http.Request) string {
	if r == nil {
		return ""
	}
	name := r.PathValue("name")
	if name == "" {
		return ""
	}
	return "/api/3/action/help_show?name=" + name
}
