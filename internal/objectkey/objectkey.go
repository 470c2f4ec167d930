// Package objectkey maps an owning resource and a filename onto the storage
// key that holds the resource's file.
package objectkey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Root is the first key segment of every resource object.
const Root = "resources"

const (
	maxExtensionLength = 21
	minTotalLength     = 3
	maxTotalLength     = 100
)

// ErrInvalidOwner is returned for owner ids that cannot form a single key
// segment.
var ErrInvalidOwner = errors.New("objectkey: invalid owner id")

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_. -]`)
	dashRuns    = regexp.MustCompile(`-+`)
)

// Munge normalises a client supplied filename so that differently cased or
// spaced variants of the same name land on the same key.
func Munge(filename string) string {
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		filename = filename[i+1:]
	}
	filename = strings.TrimSpace(strings.ToLower(filename))
	filename = asciiFold(filename)
	filename = unsafeChars.ReplaceAllString(filename, "")
	filename = strings.ReplaceAll(filename, " ", "-")
	filename = dashRuns.ReplaceAllString(filename, "-")

	name, ext := splitExt(filename)
	if len(ext) > maxExtensionLength {
		ext = ext[:maxExtensionLength]
	}
	name = toLength(name, max(1, minTotalLength-len(ext)), maxTotalLength-len(ext))
	if out := name + ext; strings.Trim(out, ".") != "" {
		return out
	}
	// dot-only names would read as path segments
	return strings.Repeat("_", max(len(name+ext), minTotalLength))
}

// ValidateOwner reports whether owner is usable as the single key segment
// under Root. Empty ids, dot segments and ids containing a path separator
// are rejected.
func ValidateOwner(owner string) error {
	switch {
	case owner == "":
		return fmt.Errorf("%w: empty", ErrInvalidOwner)
	case owner == "." || owner == "..":
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	case strings.ContainsAny(owner, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidOwner, owner)
	}
	return nil
}

// Path returns the key for filename under owner. owner must pass
// ValidateOwner.
func Path(owner, filename string) string {
	return Prefix(owner) + Munge(filename)
}

// Prefix returns the prefix shared by every object owned by owner, including
// the trailing slash.
func Prefix(owner string) string {
	return Root + "/" + owner + "/"
}

// Owner extracts the owning resource id from key, reporting false when key
// is not a resource key.
func Owner(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, Root+"/")
	if !ok {
		return "", false
	}
	owner, _, ok := strings.Cut(rest, "/")
	if !ok || owner == "" {
		return "", false
	}
	return owner, true
}

func asciiFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// splitExt mirrors the usual path extension rules: leading dots belong to
// the name, the extension starts at the last remaining dot.
func splitExt(name string) (string, string) {
	start := 0
	for start < len(name) && name[start] == '.' {
		start++
	}
	i := strings.LastIndexByte(name[start:], '.')
	if i < 0 {
		return name, ""
	}
	i += start
	return name[:i], name[i:]
}

func toLength(s string, minLen, maxLen int) string {
	if len(s) < minLen {
		s += strings.Repeat("_", minLen-len(s))
	}
	if maxLen >= 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
