package checkers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

// JPEG markers, see ITU T.81 table B.1.
const (
	jpegSOI  = 0xd8
	jpegEOI  = 0xd9
	jpegRST0 = 0xd0
	jpegRST7 = 0xd7
	jpegTEM  = 0x01
)

var ErrInvalidJPEG = errors.New("invalid jpeg image")

// JPEG walks marker segments up to the end of image marker to learn the
// image length. Entropy coded data between segments is skipped byte by
// byte; stuffed 0xFF00 pairs and fill bytes are tolerated.
type JPEG struct {
	hooks.Base
}

func NewJPEG() hooks.Checker { return &JPEG{} }

func (*JPEG) Name() string { return "jpeg" }

func (*JPEG) Modules() []string { return []string{ModuleSignature} }

func (*JPEG) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, "JPEG image") {
		return nil
	}

	size, err := walkJPEG(NewReader(f.File.Section(int64(f.Offset), 0)))
	if err != nil {
		f.Invalidate(err.Error())
		return nil
	}
	f.Size = size
	f.JumpTo(f.Offset + size)
	return nil
}

func walkJPEG(r *Reader) (uint64, error) {
	var tmp [2]byte
	if err := r.ReadFull(tmp[:]); err != nil {
		return 0, err
	}
	if tmp[0] != 0xff || tmp[1] != jpegSOI {
		return 0, fmt.Errorf("%w: missing start of image", ErrInvalidJPEG)
	}

	for {
		if err := r.ReadFull(tmp[:]); err != nil {
			return 0, fmt.Errorf("%w: no end of image", ErrInvalidJPEG)
		}
		// anything before the next 0xFF is scan data or garbage
		for tmp[0] != 0xff {
			b, err := r.ReadByte()
			if err != nil {
				return 0, fmt.Errorf("%w: no end of image", ErrInvalidJPEG)
			}
			tmp[0], tmp[1] = tmp[1], b
		}

		marker := tmp[1]
		if marker == 0 {
			continue
		}
		for marker == 0xff {
			b, err := r.ReadByte()
			if err != nil {
				return 0, fmt.Errorf("%w: no end of image", ErrInvalidJPEG)
			}
			marker = b
		}

		switch {
		case marker == jpegEOI:
			return r.BytesRead(), nil
		case marker >= jpegRST0 && marker <= jpegRST7, marker == jpegTEM:
			continue
		case marker < 0xc0:
			return 0, fmt.Errorf("%w: unknown marker 0x%02x", ErrInvalidJPEG, marker)
		}

		if err := r.ReadFull(tmp[:]); err != nil {
			return 0, err
		}
		n := int(tmp[0])<<8 | int(tmp[1])
		if n < 2 {
			return 0, fmt.Errorf("%w: short segment 0x%02x", ErrInvalidJPEG, marker)
		}
		if err := r.Discard(n - 2); err != nil {
			return 0, err
		}
	}
}
