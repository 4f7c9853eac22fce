//go:build unix

package dfxml

import (
	"golang.org/x/sys/unix"
)

func uname() (name, release, version string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown", "unknown", "unknown"
	}
	return unix.ByteSliceToString(u.Sysname[:]),
		unix.ByteSliceToString(u.Release[:]),
		unix.ByteSliceToString(u.Version[:])
}
