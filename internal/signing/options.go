// Package signing produces time-limited authenticated URLs for private
// objects. GoogleV4 implements the GOOG4-RSA-SHA256 query signing scheme;
// other providers sign through their SDKs behind the same Options.
package signing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MaxExpiry is the longest lifetime any supported provider accepts.
const MaxExpiry = 604800 * time.Second

// DefaultExpiry applies when Options.Expiry is zero.
const DefaultExpiry = time.Hour

var (
	// ErrExpiryTooLong is returned when the requested lifetime exceeds MaxExpiry.
	ErrExpiryTooLong = errors.New("signing: expiry can't be longer than 604800 seconds (7 days)")
	// ErrInvalidExpiry is returned for lifetimes shorter than one second.
	ErrInvalidExpiry = errors.New("signing: expiry must be at least one second")
)

// Options describes the request a signed URL authorises.
type Options struct {
	// Method defaults to GET.
	Method string
	// Expiry defaults to DefaultExpiry.
	Expiry time.Duration
	// Headers are added to the signed header set.
	Headers map[string]string
	// Query parameters are signed alongside the scheme parameters. An empty
	// value marks a subresource.
	Query map[string]string
	// ContentType, when set, is signed as the Content-Type header.
	ContentType string
}

// WithDefaults fills in the method and expiry.
func (o Options) WithDefaults(expiry time.Duration) Options {
	if strings.TrimSpace(o.Method) == "" {
		o.Method = http.MethodGet
	}
	o.Method = strings.ToUpper(o.Method)
	if o.Expiry == 0 {
		if expiry <= 0 {
			expiry = DefaultExpiry
		}
		o.Expiry = expiry
	}
	return o
}

// Validate checks the lifetime bound. It never performs crypto or I/O.
func (o Options) Validate() error {
	if o.Expiry > MaxExpiry {
		return fmt.Errorf("%w: requested %d", ErrExpiryTooLong, int64(o.Expiry/time.Second))
	}
	if o.Expiry < time.Second {
		return ErrInvalidExpiry
	}
	return nil
}

// ExpirySeconds returns the lifetime in whole seconds.
func (o Options) ExpirySeconds() int64 {
	return int64(o.Expiry / time.Second)
}

// SignedHeaders returns Headers plus the Content-Type when set.
func (o Options) SignedHeaders() map[string]string {
	out := make(map[string]string, len(o.Headers)+1)
	for k, v := range o.Headers {
		out[k] = v
	}
	if o.ContentType != "" {
		out["Content-Type"] = o.ContentType
	}
	return out
}
