// Package version carries the build identity stamped into the orchestrator
// binary via -ldflags.
package version

import "runtime"

// Component names this binary in version output and diagnostics.
const Component = "legaltech-orchestrator"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
