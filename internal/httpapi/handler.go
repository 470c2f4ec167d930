// Package httpapi serves the multipart actions and the resource download
// redirect over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/actions"
	"pkt.systems/cloudstorage/internal/correlation"
	"pkt.systems/cloudstorage/internal/resources"
	"pkt.systems/cloudstorage/internal/svcfields"
	"pkt.systems/cloudstorage/internal/transfer"
	"pkt.systems/cloudstorage/internal/uploaderr"
)

const (
	// DefaultMaxPartSize bounds one uploaded chunk.
	DefaultMaxPartSize = 512 << 20
	// DefaultMaxParamBytes bounds JSON bodies and individual form fields.
	DefaultMaxParamBytes = 1 << 20

	headerAPIKey = "X-CKAN-API-Key"
)

// Config wires a Handler.
type Config struct {
	Actions  *actions.Dispatcher
	Transfer *transfer.Manager
	// Model resolves resources for the download redirect; nil disables it.
	Model  resources.Model
	Logger pslog.Logger
	// Tracing wraps every route with otelhttp and records spans.
	Tracing        bool
	MaxPartSize    int64
	SpoolThreshold int64
}

// Handler serves the HTTP surface.
type Handler struct {
	actions        *actions.Dispatcher
	transfer       *transfer.Manager
	model          resources.Model
	logger         pslog.Logger
	tracer         trace.Tracer
	tracing        bool
	maxPartSize    int64
	spoolThreshold int64
}

// New returns a Handler for cfg.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.MaxPartSize <= 0 {
		cfg.MaxPartSize = DefaultMaxPartSize
	}
	if cfg.SpoolThreshold <= 0 {
		cfg.SpoolThreshold = defaultSpoolMemoryThreshold
	}
	return &Handler{
		actions:        cfg.Actions,
		transfer:       cfg.Transfer,
		model:          cfg.Model,
		logger:         logger,
		tracer:         otel.Tracer("pkt.systems/cloudstorage/httpapi"),
		tracing:        cfg.Tracing,
		maxPartSize:    cfg.MaxPartSize,
		spoolThreshold: cfg.SpoolThreshold,
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/action/{name}", h.wrap("action", h.handleAction))
	mux.Handle("/api/3/action/{name}", h.wrap("action", h.handleAction))
	mux.Handle("GET /dataset/{id}/resource/{rid}/download", h.wrap("download", h.handleDownload))
	mux.Handle("GET /dataset/{id}/resource/{rid}/download/{filename}", h.wrap("download", h.handleDownload))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "cloudstorage.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "cloudstorage.tx."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("cloudstorage.sys", sys),
					attribute.String("cloudstorage.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = correlation.Set(ctx, correlation.FromRequest(r))
		ctx, logger = applyCorrelation(ctx, logger, span)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		err := fn(w, r)
		if err == nil {
			if h.tracing {
				span.SetStatus(codes.Ok, "")
			}
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if h.tracing {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, r, err)
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// httpError is an error with a fixed status and CKAN error type.
type httpError struct {
	Status  int
	Type    string
	Message string
}

func (e httpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type successEnvelope struct {
	Help    string `json:"help,omitempty"`
	Success bool   `json:"success"`
	Result  any    `json:"result"`
}

type errorBody struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Help    string    `json:"help,omitempty"`
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// classify maps an error to its HTTP status and CKAN error type.
func classify(err error) httpError {
	var he httpError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case errors.Is(err, actions.ErrDenied):
		return httpError{Status: http.StatusForbidden, Type: "Authorization Error", Message: "Access denied"}
	case errors.Is(err, actions.ErrUnknownAction):
		return httpError{Status: http.StatusBadRequest, Type: "Bad Request", Message: "Action name not known"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusServiceUnavailable, Type: "Timeout Error", Message: err.Error()}
	}
	kind, ok := uploaderr.KindOf(err)
	if !ok {
		return httpError{Status: http.StatusInternalServerError, Type: "Internal Server Error", Message: "internal server error"}
	}
	msg := uploaderr.Message(err)
	switch kind {
	case uploaderr.NotFound:
		return httpError{Status: http.StatusNotFound, Type: "Not Found Error", Message: msg}
	case uploaderr.Validation:
		return httpError{Status: http.StatusBadRequest, Type: "Validation Error", Message: msg}
	case uploaderr.Conflict:
		return httpError{Status: http.StatusConflict, Type: "Conflict Error", Message: msg}
	default:
		return httpError{Status: http.StatusBadGateway, Type: "Remote Error", Message: msg}
	}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	he := classify(err)
	if he.Status >= http.StatusInternalServerError {
		logger.Error("http.request.failure", "status", he.Status, "type", he.Type, "error", err)
	} else {
		logger.Debug("http.request.failure", "status", he.Status, "type", he.Type, "detail", he.Message)
	}
	h.writeJSON(w, he.Status, errorEnvelope{
		Help:    helpURL(r),
		Success: false,
		Error:   errorBody{Type: he.Type, Message: he.Message},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}
