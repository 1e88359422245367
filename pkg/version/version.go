// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/rhizome/pkg/version.version=0.2.0
//	  -X github.com/NicolasHaas/rhizome/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/rhizome/pkg/version.date=2026-01-01"
//
// The version string is part of the control-channel greeting, so clients can
// refuse servers they do not understand.
package version

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	version = "0.1.0"   // semantic version without the leading "v"
	commit  = "unknown" // short git commit SHA
	date    = "unknown" // build date (ISO 8601)
)

// String returns the semantic version, e.g. "0.1.0".
func String() string {
	return version
}

// Full returns "version (commit) built date", dropping unknown parts.
func Full() string {
	if commit == "unknown" {
		return version
	}
	return version + " (" + commit + ") built " + date
}

// Commit returns the short commit SHA.
func Commit() string { return commit }

// Date returns the build date.
func Date() string { return date }
