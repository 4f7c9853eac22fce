//go:build !unix

package fs

import "errors"

var errIsDir = errors.New("is a directory")

func Open(path string) (File, error) {
	return openOS(path)
}
