package checkers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

var ErrChunkOrder = errors.New("invalid PNG chunk order")

const (
	dsStart = iota
	dsSeenIHDR
	dsSeenPLTE
	dsSeentRNS
	dsSeenIDAT
	dsSeenIEND
)

const pngHeader = "\x89PNG\r\n\x1a\n"

// PNG walks the chunks of an image up to IEND, checking their order and
// CRCs. Corrupt images are invalidated; intact ones get their size.
type PNG struct {
	hooks.Base
}

func NewPNG() hooks.Checker { return &PNG{} }

func (*PNG) Name() string { return "png" }

func (*PNG) Modules() []string { return []string{ModuleSignature} }

func (*PNG) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, "PNG image") {
		return nil
	}

	size, err := walkPNG(NewReader(f.File.Section(int64(f.Offset), 0)))
	if err != nil {
		f.Invalidate("corrupt PNG: " + err.Error())
		return nil
	}
	f.Size = size
	f.JumpTo(f.Offset + size)
	return nil
}

type pngDecoder struct {
	r     *Reader
	crc   hash.Hash32
	stage int
	tmp   [3 * 256]byte
}

func walkPNG(r *Reader) (uint64, error) {
	d := &pngDecoder{r: r, crc: crc32.NewIEEE()}

	if err := r.ReadFull(d.tmp[:len(pngHeader)]); err != nil {
		return 0, err
	}
	if string(d.tmp[:len(pngHeader)]) != pngHeader {
		return 0, errors.New("not a PNG file")
	}

	for d.stage != dsSeenIEND {
		if err := d.parseChunk(); err != nil {
			return 0, err
		}
	}
	return r.BytesRead(), nil
}

func (d *pngDecoder) parseChunk() error {
	if err := d.r.ReadFull(d.tmp[:8]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(d.tmp[:4])
	if length > 0x7fffffff {
		return fmt.Errorf("bad chunk length: %d", length)
	}
	d.crc.Reset()
	d.crc.Write(d.tmp[4:8])

	switch string(d.tmp[4:8]) {
	case "IHDR":
		if d.stage != dsStart {
			return ErrChunkOrder
		}
		d.stage = dsSeenIHDR
	case "PLTE":
		if d.stage != dsSeenIHDR {
			return ErrChunkOrder
		}
		d.stage = dsSeenPLTE
	case "tRNS":
		if d.stage < dsSeenIHDR || d.stage >= dsSeenIDAT {
			return ErrChunkOrder
		}
		d.stage = dsSeentRNS
	case "IDAT":
		if d.stage < dsSeenIHDR {
			return ErrChunkOrder
		}
		d.stage = dsSeenIDAT
	case "IEND":
		if d.stage != dsSeenIDAT {
			return ErrChunkOrder
		}
		d.stage = dsSeenIEND
	default:
		if d.stage == dsStart {
			return ErrChunkOrder
		}
	}

	for n := uint32(0); n < length; {
		m := min(uint32(len(d.tmp)), length-n)
		if err := d.r.ReadFull(d.tmp[:m]); err != nil {
			return err
		}
		d.crc.Write(d.tmp[:m])
		n += m
	}
	return d.verifyChecksum()
}

func (d *pngDecoder) verifyChecksum() error {
	if err := d.r.ReadFull(d.tmp[:4]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if binary.BigEndian.Uint32(d.tmp[:4]) != d.crc.Sum32() {
		return errors.New("invalid checksum")
	}
	return nil
}
