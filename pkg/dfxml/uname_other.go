//go:build !unix

package dfxml

import "runtime"

func uname() (name, release, version string) {
	return runtime.GOOS, "unknown", "unknown"
}
