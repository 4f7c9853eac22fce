package unpack

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/extract"
)

const (
	sparseMagic      = 0xED26FF3A
	sparseHeaderSize = 28
	sparseChunkSize  = 12

	chunkRaw      = 0xCAC1
	chunkFill     = 0xCAC2
	chunkDontCare = 0xCAC3
	chunkCRC32    = 0xCAC4
)

var ErrInvalidSparse = errors.New("invalid Android sparse image")

type SparseHeader struct {
	Major       uint16
	Minor       uint16
	BlockSize   uint32
	TotalBlocks uint32
	TotalChunks uint32
}

// ImageSize is the size of the reconstructed image.
func (h *SparseHeader) ImageSize() int64 {
	return int64(h.BlockSize) * int64(h.TotalBlocks)
}

type sparseChunk struct {
	Type   uint16
	Blocks uint32
	Total  uint32 // chunk length in the sparse file, header included
}

func ParseSparseHeader(r io.ReaderAt, off int64) (*SparseHeader, error) {
	var b [sparseHeaderSize]byte
	if _, err := r.ReadAt(b[:], off); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(b[0:]) != sparseMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidSparse)
	}
	h := &SparseHeader{
		Major:       binary.LittleEndian.Uint16(b[4:]),
		Minor:       binary.LittleEndian.Uint16(b[6:]),
		BlockSize:   binary.LittleEndian.Uint32(b[12:]),
		TotalBlocks: binary.LittleEndian.Uint32(b[16:]),
		TotalChunks: binary.LittleEndian.Uint32(b[20:]),
	}
	fileHdr := binary.LittleEndian.Uint16(b[8:])
	chunkHdr := binary.LittleEndian.Uint16(b[10:])
	if h.Major != 1 || fileHdr != sparseHeaderSize || chunkHdr != sparseChunkSize {
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrInvalidSparse, h.Major, h.Minor)
	}
	if h.BlockSize == 0 || h.BlockSize%4 != 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidSparse, h.BlockSize)
	}
	return h, nil
}

// walkSparse calls fn for every chunk with the offset of its payload.
func walkSparse(r io.ReaderAt, off int64, h *SparseHeader, fn func(c sparseChunk, data int64) error) (int64, error) {
	pos := off + sparseHeaderSize

	var blocks uint64
	for i := uint32(0); i < h.TotalChunks; i++ {
		var b [sparseChunkSize]byte
		if _, err := r.ReadAt(b[:], pos); err != nil {
			return 0, fmt.Errorf("%w: chunk %d: %v", ErrInvalidSparse, i, err)
		}
		c := sparseChunk{
			Type:   binary.LittleEndian.Uint16(b[0:]),
			Blocks: binary.LittleEndian.Uint32(b[4:]),
			Total:  binary.LittleEndian.Uint32(b[8:]),
		}
		if c.Total < sparseChunkSize {
			return 0, fmt.Errorf("%w: chunk %d length %d", ErrInvalidSparse, i, c.Total)
		}

		var want uint64
		switch c.Type {
		case chunkRaw:
			want = uint64(c.Blocks) * uint64(h.BlockSize)
		case chunkFill, chunkCRC32:
			want = 4
		case chunkDontCare:
		default:
			return 0, fmt.Errorf("%w: chunk %d type %#x", ErrInvalidSparse, i, c.Type)
		}
		if uint64(c.Total-sparseChunkSize) != want {
			return 0, fmt.Errorf("%w: chunk %d payload %d, want %d", ErrInvalidSparse, i, c.Total-sparseChunkSize, want)
		}

		if c.Type != chunkCRC32 {
			blocks += uint64(c.Blocks)
		}
		if blocks > uint64(h.TotalBlocks) {
			return 0, fmt.Errorf("%w: chunks exceed %d blocks", ErrInvalidSparse, h.TotalBlocks)
		}
		if fn != nil {
			if err := fn(c, pos+sparseChunkSize); err != nil {
				return 0, err
			}
		}
		pos += int64(c.Total)
	}
	return pos - off, nil
}

// SparseLength returns the length of the sparse image starting at off,
// validating every chunk header.
func SparseLength(r io.ReaderAt, off int64) (int64, error) {
	h, err := ParseSparseHeader(r, off)
	if err != nil {
		return 0, err
	}
	return walkSparse(r, off, h, nil)
}

// Sparse reconstructs the raw image an Android sparse file describes.
// It reads the whole source file since chunk payloads follow the header.
func Sparse(ctx context.Context, job *extract.Job) error {
	off := int64(job.Finding.Offset)
	h, err := ParseSparseHeader(job.Input, off)
	if err != nil {
		return err
	}
	if h.ImageSize() > job.MaxSize {
		return fmt.Errorf("%w: image of %d bytes", extract.ErrOutputLimit, h.ImageSize())
	}

	out, err := os.OpenFile(job.Output, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.IO("create", job.Output, err)
	}
	defer out.Close()

	var (
		pos  int64
		fill = make([]byte, h.BlockSize)
	)
	_, err = walkSparse(job.Input, off, h, func(c sparseChunk, data int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(c.Blocks) * int64(h.BlockSize)

		switch c.Type {
		case chunkRaw:
			src := io.NewSectionReader(job.Input, data, n)
			if _, err := out.Seek(pos, io.SeekStart); err != nil {
				return err
			}
			if _, err := io.Copy(out, src); err != nil {
				return err
			}
		case chunkFill:
			var pattern [4]byte
			if _, err := job.Input.ReadAt(pattern[:], data); err != nil {
				return err
			}
			for i := 0; i < len(fill); i += 4 {
				copy(fill[i:], pattern[:])
			}
			for i := int64(0); i < int64(c.Blocks); i++ {
				if _, err := out.WriteAt(fill, pos+i*int64(h.BlockSize)); err != nil {
					return err
				}
			}
		case chunkCRC32:
			return nil
		}
		pos += n
		return nil
	})
	if err != nil {
		return err
	}

	// trailing don't care chunks only extend the image
	return out.Truncate(h.ImageSize())
}
