// Package svcfields holds the log field keys shared across cloudstorage
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the component that emitted an entry.
	SubsystemKey = pslog.TrustedString("sys")
	// ResourceKey tags the CKAN resource an entry concerns.
	ResourceKey = pslog.TrustedString("resource_id")
	// FilenameKey tags the resource file name.
	FilenameKey = pslog.TrustedString("filename")
)

// WithSubsystem attaches a dot-delimited subsystem tag to every entry. Leading
// and trailing dots are dropped; an empty subsystem leaves the logger as is.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithResource tags entries with a resource id and, when set, its file name.
func WithResource(logger pslog.Logger, resourceID, filename string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if resourceID = strings.TrimSpace(resourceID); resourceID != "" {
		logger = logger.With(ResourceKey, resourceID)
	}
	if filename = strings.TrimSpace(filename); filename != "" {
		logger = logger.With(FilenameKey, filename)
	}
	return logger
}
