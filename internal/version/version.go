// Package version reports the cloudstorage build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/cloudstorage"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set with
// -ldflags "-X pkt.systems/cloudstorage/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

var readBuildInfo = debug.ReadBuildInfo

// Current returns the linker-stamped version, the module version, a pseudo
// version built from VCS stamps, or v0.0.0-unknown, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := readBuildInfo()
	if !ok {
		return unknownVersion
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsPseudoVersion(info.Settings); v != "" {
		return v
	}
	return unknownVersion
}

// Module returns the main module path.
func Module() string {
	if info, ok := readBuildInfo(); ok {
		if p := strings.TrimSpace(info.Main.Path); p != "" {
			return p
		}
	}
	return defaultModule
}

func vcsPseudoVersion(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, 3)
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	revision, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
