// Package env holds build metadata, set at link time with
// -ldflags "-X github.com/ostafen/firmwalk/internal/env.Version=...".
package env

const AppName = "firmwalk"

var (
	Version    = "dev"
	CommitHash = "unknown"
	BuildTime  = "unknown"
)
