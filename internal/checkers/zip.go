// Copyright (c) 2025 Stefano Scafiti
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package checkers

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
)

var ErrInvalidZip = errors.New("invalid zip archive")

const (
	// Maximum size of a zip entry.
	maxZipEntrySize = math.MaxUint32

	zipLocalHeader      uint32 = 0x04034B50
	zipCentralDirHeader uint32 = 0x02014B50
	zipEndCentralDir    uint32 = 0x06054B50
	zipCentralDir64     uint32 = 0x06064B50

	// size of the fixed part of a local header, after the signature
	zipEntrySize = 26
)

// zipEntry is the fixed part of a local file header.
type zipEntry struct {
	Version          uint16
	Flags            uint16
	Compression      uint16
	LastModTime      uint16
	LastModDate      uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	FilenameLength   uint16
	ExtraLength      uint16
}

// Zip walks the local headers of a zip archive up to the end of its
// central directory. Valid archives get their size and a jump past the
// last entry; Office Open XML documents are renamed.
type Zip struct {
	hooks.Base
}

func NewZip() hooks.Checker { return &Zip{} }

func (*Zip) Name() string { return "zip" }

func (*Zip) Modules() []string { return []string{ModuleSignature} }

func (z *Zip) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, "Zip archive data") {
		return nil
	}

	r := NewReader(f.File.Section(int64(f.Offset), 0))

	size, kind, err := walkZip(r)
	if err != nil {
		f.Invalidate(err.Error())
		return nil
	}

	f.Size = size
	f.JumpTo(f.Offset + size)
	if kind != "" {
		f.Description += ", Office Open XML " + kind + " document"
	}
	return nil
}

func walkZip(r *Reader) (uint64, string, error) {
	var (
		dec     zipDecoder
		entries int
		hdr     [4]byte
	)
	for {
		if err := r.ReadFull(hdr[:]); err != nil {
			return 0, "", fmt.Errorf("%w: %v", ErrInvalidZip, err)
		}

		switch binary.LittleEndian.Uint32(hdr[:]) {
		case zipLocalHeader:
			if err := dec.parseEntry(r); err != nil {
				return 0, "", fmt.Errorf("%w: entry %d: %v", ErrInvalidZip, entries, err)
			}
			entries++
		case zipCentralDirHeader, zipCentralDir64:
			if entries == 0 {
				return 0, "", fmt.Errorf("%w: archive has no entries", ErrInvalidZip)
			}
			size, err := parseCentralDir(r)
			if err != nil {
				return 0, "", fmt.Errorf("%w: %v", ErrInvalidZip, err)
			}
			return size, dec.officeKind(), nil
		default:
			return 0, "", fmt.Errorf("%w: unexpected record %x", ErrInvalidZip, hdr)
		}
	}
}

type zipDecoder struct {
	contentTypesSeen    bool
	relsSeen            bool
	wordDocumentSeen    bool
	pptPresentationSeen bool
	xlWorkbookSeen      bool
}

func (dec *zipDecoder) parseEntry(r *Reader) error {
	var buf [zipEntrySize]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return err
	}
	entry := zipEntry{
		Version:          binary.LittleEndian.Uint16(buf[0:]),
		Flags:            binary.LittleEndian.Uint16(buf[2:]),
		Compression:      binary.LittleEndian.Uint16(buf[4:]),
		LastModTime:      binary.LittleEndian.Uint16(buf[6:]),
		LastModDate:      binary.LittleEndian.Uint16(buf[8:]),
		CRC32:            binary.LittleEndian.Uint32(buf[10:]),
		CompressedSize:   binary.LittleEndian.Uint32(buf[14:]),
		UncompressedSize: binary.LittleEndian.Uint32(buf[18:]),
		FilenameLength:   binary.LittleEndian.Uint16(buf[22:]),
		ExtraLength:      binary.LittleEndian.Uint16(buf[24:]),
	}

	name := make([]byte, entry.FilenameLength)
	if err := r.ReadFull(name); err != nil {
		return err
	}
	dec.processFileName(string(name))

	if entry.ExtraLength > 0 {
		if err := r.Discard(int(entry.ExtraLength)); err != nil {
			return err
		}
	}

	size := entry.UncompressedSize
	if entry.Compression != 0 {
		size = entry.CompressedSize
	}

	// bit 3: sizes follow the data in a descriptor
	if entry.Flags&0x0008 != 0 {
		return seekToDescriptor(r)
	}
	if size > 0 {
		return r.Discard(int(size))
	}
	return nil
}

func seekToDescriptor(r *Reader) error {
	sig := []byte{0x50, 0x4B, 0x07, 0x08}

	found, err := SeekAt(r, sig, maxZipEntrySize)
	if err != nil {
		return err
	}
	if !found {
		return errors.New("data descriptor not found")
	}

	// signature, CRC-32, compressed and uncompressed size
	return r.Discard(16)
}

// parseCentralDir skips to the end of central directory record and returns
// the archive size including its comment.
func parseCentralDir(r *Reader) (uint64, error) {
	sig := []byte{0x50, 0x4B, 0x05, 0x06}

	found, err := SeekAt(r, sig, 66*1024*1024)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.New("end of central directory not found")
	}

	var buf [22]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	commentLen := binary.LittleEndian.Uint16(buf[20:])
	return r.BytesRead() + uint64(commentLen), nil
}

func (dec *zipDecoder) processFileName(name string) {
	switch name {
	case "[Content_Types].xml":
		dec.contentTypesSeen = true
	case "_rels/.rels":
		dec.relsSeen = true
	case "word/document.xml":
		dec.wordDocumentSeen = true
	case "ppt/presentation.xml":
		dec.pptPresentationSeen = true
	case "xl/workbook.xml":
		dec.xlWorkbookSeen = true
	}
}

// officeKind returns docx, pptx or xlsx for Office Open XML documents.
func (dec *zipDecoder) officeKind() string {
	if !dec.contentTypesSeen || !dec.relsSeen {
		return ""
	}
	switch {
	case dec.wordDocumentSeen:
		return "docx"
	case dec.pptPresentationSeen:
		return "pptx"
	case dec.xlWorkbookSeen:
		return "xlsx"
	}
	return ""
}
