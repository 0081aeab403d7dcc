package server

import "go.uber.org/zap"

// VerbosityLevel maps the wire `verbosity N` command onto the logger's
// live level, so raising verbosity at runtime actually changes what gets
// logged.
type VerbosityLevel struct {
	atomic zap.AtomicLevel
}

// NewVerbosityLevel wraps an existing AtomicLevel, typically the one the
// process's root logger was built with.
func NewVerbosityLevel(atomic zap.AtomicLevel) *VerbosityLevel {
	return &VerbosityLevel{atomic: atomic}
}

// Set maps a memcached-style verbosity integer onto a log level: 0 is
// normal operation, 1 and above turn on debug-level logging.
func (v *VerbosityLevel) Set(n int) {
	if n <= 0 {
		v.atomic.SetLevel(zap.InfoLevel)
		return
	}
	v.atomic.SetLevel(zap.DebugLevel)
}
