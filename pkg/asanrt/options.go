package asanrt

import (
	"github.com/rs/zerolog"

	"github.com/gofrida/asanrt/internal/abi"
)

// Options holds the configuration an executor supplies (spec.md §6
// Configuration), mirroring the teacher's plain exported-fields Config
// struct style (pkg/spacetimedb/client.go) rather than a flag/CLI layer
// (out of scope per spec.md §1).
type Options struct {
	// DetectLeaks enables leak detection in PostExec.
	DetectLeaks bool
	// ContinueOnError, when true, does not abort on the first error
	// (spec.md §7 propagation).
	ContinueOnError bool
	// DontInstrument lists address ranges the inliner must skip.
	DontInstrument []abi.SkipRange
	// QuarantineMaxBytes sizes the deferred-reuse queue (spec.md §4.B).
	QuarantineMaxBytes uint64
	// ShortCircuitBadArg controls whether a hook's pre-validation failure
	// skips the real call or proceeds anyway (spec.md §4.F).
	ShortCircuitBadArg bool
	// Logger receives structured lifecycle/hook/fault diagnostics. The
	// hot per-access check path never logs (spec.md §5); only the slow
	// paths this package owns do. Defaults to a disabled logger so callers
	// who don't opt in pay nothing.
	Logger zerolog.Logger
	// Abort is called when a fault handler decides to abort
	// (ContinueOnError == false). Defaults to a panic carrying the error.
	Abort func(err error)
}

// DefaultOptions returns the zero-value-safe defaults: leak detection and
// ShortCircuitBadArg on, ContinueOnError off (abort on first error), an 8
// MiB quarantine, and a disabled logger.
func DefaultOptions() Options {
	return Options{
		DetectLeaks:        true,
		ContinueOnError:    false,
		QuarantineMaxBytes: 8 << 20,
		ShortCircuitBadArg: true,
		Logger:             zerolog.Nop(),
	}
}
