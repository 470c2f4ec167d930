// Package ckan talks to the CKAN action API and exposes it as a
// resources.Model.
package ckan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/resources"
)

const (
	// DefaultRetryMax bounds retries of failed action calls.
	DefaultRetryMax = 3
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second

	actionPath      = "/api/3/action/"
	maxErrorPayload = 4 << 10
)

// ErrActionFailed is returned when CKAN answers with success=false.
var ErrActionFailed = errors.New("ckan: action failed")

// Config configures a Client.
type Config struct {
	// BaseURL is the CKAN site root, e.g. https://ckan.example.org.
	BaseURL string
	// APIToken is sent in the Authorization header when set.
	APIToken   string
	HTTPClient *http.Client
	RetryMax   int
	Logger     pslog.Logger
}

// Client calls CKAN actions over HTTP with retries.
type Client struct {
	base   string
	token  string
	http   *retryablehttp.Client
	logger pslog.Logger
}

var _ resources.Model = (*Client)(nil)

// New returns a Client for cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ckan: base url required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ckan: invalid base url %q", cfg.BaseURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if rc.RetryMax <= 0 {
		rc.RetryMax = DefaultRetryMax
	}
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = leveledLogger{logger}
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{base: base, token: cfg.APIToken, http: rc, logger: logger}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *actionError    `json:"error"`
}

type actionError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

func (e *actionError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Call posts payload to the named action and decodes the result into out.
// A "Not Found Error" maps to resources.ErrNotFound.
func (c *Client) Call(ctx context.Context, action string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ckan: encode %s: %w", action, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+actionPath+action, body)
	if err != nil {
		return fmt.Errorf("ckan: build %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ckan: %s: %w", action, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ckan: read %s: %w", action, err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("ckan: %s: %w", action, resources.ErrNotFound)
		}
		return fmt.Errorf("ckan: %s: status %d: %s", action, resp.StatusCode, truncate(raw))
	}
	if !env.Success {
		if env.Error == nil {
			env.Error = &actionError{Type: http.StatusText(resp.StatusCode)}
		}
		if resp.StatusCode == http.StatusNotFound || env.Error.Type == "Not Found Error" {
			return fmt.Errorf("ckan: %s: %w: %s", action, resources.ErrNotFound, env.Error.Message)
		}
		return fmt.Errorf("%w: %s: %w", ErrActionFailed, action, env.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("ckan: decode %s result: %w", action, err)
	}
	return nil
}

func truncate(raw []byte) string {
	if len(raw) > maxErrorPayload {
		raw = raw[:maxErrorPayload]
	}
	return string(bytes.TrimSpace(raw))
}

type resourceDoc struct {
	ID        string `json:"id"`
	PackageID string `json:"package_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	URLType   string `json:"url_type"`
}

func (d resourceDoc) model() resources.Resource {
	return resources.Resource{ID: d.ID, PackageID: d.PackageID, Name: d.Name, URL: d.URL, URLType: d.URLType}
}

// Resource implements resources.Model with resource_show.
func (c *Client) Resource(ctx context.Context, id string) (*resources.Resource, error) {
	var doc resourceDoc
	if err := c.Call(ctx, "resource_show", map[string]string{"id": id}, &doc); err != nil {
		return nil, err
	}
	r := doc.model()
	return &r, nil
}

// Package implements resources.Model with package_show.
func (c *Client) Package(ctx context.Context, id string) (*resources.Package, error) {
	var pkg resources.Package
	if err := c.Call(ctx, "package_show", map[string]string{"id": id}, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// ActivatePackage implements resources.Model with package_patch.
func (c *Client) ActivatePackage(ctx context.Context, id string) error {
	return c.Call(ctx, "package_patch", map[string]string{"id": id, "state": resources.StateActive}, nil)
}

type searchResult struct {
	Count   int           `json:"count"`
	Results []resourceDoc `json:"results"`
}

// ObjectReferenced implements resources.Model with resource_search on the
// url field.
func (c *Client) ObjectReferenced(ctx context.Context, key, excludeOwner string) (bool, error) {
	var res searchResult
	payload := map[string]any{"query": "url:" + key, "limit": 50}
	if err := c.Call(ctx, "resource_search", payload, &res); err != nil {
		return false, err
	}
	for _, doc := range res.Results {
		if doc.ID == excludeOwner {
			continue
		}
		if strings.HasSuffix(doc.URL, key) {
			c.logger.Debug("ckan.object.referenced", "key", key, "resource", doc.ID)
			return true, nil
		}
	}
	return false, nil
}

// leveledLogger routes retryablehttp diagnostics to pslog.
type leveledLogger struct {
	logger pslog.Logger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.logger.Error("ckan.http.error", append(kv, "detail", msg)...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.logger.Warn("ckan.http.warn", append(kv, "detail", msg)...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.logger.Debug("ckan.http.info", append(kv, "detail", msg)...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.logger.Trace("ckan.http.debug", append(kv, "detail", msg)...) }
