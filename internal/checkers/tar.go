package checkers

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

const tarBlockSize = 512

var ErrInvalidTar = errors.New("invalid tar header")

// Tar walks the member headers of a tar archive. The archive size becomes
// the finding size and scanning resumes after it, so member headers are not
// reported one by one.
type Tar struct {
	hooks.Base
}

func NewTar() hooks.Checker { return &Tar{} }

func (*Tar) Name() string { return "tar" }

func (*Tar) Modules() []string { return []string{ModuleSignature} }

func (*Tar) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, "POSIX tar archive") {
		return nil
	}

	size, members, err := walkTar(NewReader(f.File.Section(int64(f.Offset), 0)))
	if err != nil {
		f.Invalidate(err.Error())
		return nil
	}
	f.Size = size
	f.JumpTo(f.Offset + size)
	if members > 1 {
		f.Description += fmt.Sprintf(", %d members", members)
	}
	return nil
}

// walkTar returns the archive length, including the end of archive blocks
// when present. Walking stops at the first block that is not a valid
// header.
func walkTar(r *Reader) (uint64, int, error) {
	var (
		block   [tarBlockSize]byte
		members int
		end     uint64
	)
	for {
		if err := r.ReadFull(block[:]); err != nil {
			break
		}

		if isZeroBlock(block[:]) {
			end = r.BytesRead()
			if err := r.ReadFull(block[:]); err == nil && isZeroBlock(block[:]) {
				end = r.BytesRead()
			}
			break
		}

		size, err := parseTarHeader(block[:])
		if err != nil {
			if members == 0 {
				return 0, 0, err
			}
			break
		}
		members++

		data := (size + tarBlockSize - 1) / tarBlockSize * tarBlockSize
		if err := r.Discard(int(data)); err != nil {
			// truncated member: the archive ends with the file
			end = r.BytesRead()
			break
		}
		end = r.BytesRead()
	}

	if members == 0 {
		return 0, 0, ErrInvalidTar
	}
	return end, members, nil
}

// parseTarHeader verifies the header checksum and returns the member size.
func parseTarHeader(h []byte) (int64, error) {
	want, err := parseOctal(h[148:156])
	if err != nil {
		return 0, fmt.Errorf("%w: checksum field: %v", ErrInvalidTar, err)
	}

	var unsigned, signed int64
	for i, b := range h {
		if i >= 148 && i < 156 {
			b = ' '
		}
		unsigned += int64(b)
		signed += int64(int8(b))
	}
	if want != unsigned && want != signed {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidTar)
	}

	// base-256 encoding for sizes over 8GiB
	if h[124]&0x80 != 0 {
		var n int64
		for _, b := range h[125:136] {
			n = n<<8 | int64(b)
		}
		return n, nil
	}
	size, err := parseOctal(h[124:136])
	if err != nil {
		return 0, fmt.Errorf("%w: size field: %v", ErrInvalidTar, err)
	}
	return size, nil
}

func parseOctal(b []byte) (int64, error) {
	s := strings.Trim(string(bytes.TrimRight(b, "\x00")), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
