// Package svcfields holds the structured log keys shared by the client
// layers so operation, version and correlation tags line up across
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Log keys.
const (
	SubsystemKey   = pslog.TrustedString("sys")
	OperationKey   = "op"
	VersionKey     = "version"
	CorrelationKey = "cid"
)

// WithSubsystem tags every entry with a dot-delimited subsystem name. A nil
// logger yields a no-op logger.
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

// WithOperation tags entries belonging to one logical operation call.
func WithOperation(logger pslog.Logger, op, cid string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cid == "" {
		return logger.With(OperationKey, op)
	}
	return logger.With(OperationKey, op, CorrelationKey, cid)
}

// WithVersion tags entries with the API version serving them.
func WithVersion(logger pslog.Logger, version string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if version == "" {
		return logger
	}
	return logger.With(VersionKey, version)
}
