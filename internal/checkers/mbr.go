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
	"io"
	"strings"

	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/ostafen/firmwalk/pkg/util/format"
)

const (
	mbrSize         = 512
	mbrSectorSize   = 512
	mbrTableOffset  = 0x1BE
	mbrSignatureOff = 0x1FE
	mbrSignature    = 0xAA55
	mbrEntrySize    = 16
	mbrBootable     = 0x80
	mbrPrefix       = "DOS master boot record"
)

var ErrInvalidMBR = errors.New("invalid master boot record")

// mbrEntry is one 16-byte slot of the partition table.
type mbrEntry struct {
	BootIndicator uint8
	StartCHS      [3]byte
	Type          uint8
	EndCHS        [3]byte
	StartLBA      uint32
	TotalSectors  uint32
}

func (e *mbrEntry) empty() bool {
	return e.Type == 0 && e.TotalSectors == 0
}

func (e *mbrEntry) end() uint64 {
	return (uint64(e.StartLBA) + uint64(e.TotalSectors)) * mbrSectorSize
}

// parseMBR decodes the partition table of a 512-byte boot sector.
func parseMBR(data []byte) ([4]mbrEntry, error) {
	var entries [4]mbrEntry

	if len(data) != mbrSize {
		return entries, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidMBR, mbrSize, len(data))
	}
	if sig := binary.LittleEndian.Uint16(data[mbrSignatureOff:]); sig != mbrSignature {
		return entries, fmt.Errorf("%w: signature 0x%04X", ErrInvalidMBR, sig)
	}

	for i := range entries {
		raw := data[mbrTableOffset+i*mbrEntrySize:]
		e := &entries[i]

		e.BootIndicator = raw[0x00]
		copy(e.StartCHS[:], raw[0x01:0x04])
		e.Type = raw[0x04]
		copy(e.EndCHS[:], raw[0x05:0x08])
		e.StartLBA = binary.LittleEndian.Uint32(raw[0x08:])
		e.TotalSectors = binary.LittleEndian.Uint32(raw[0x0C:])
	}
	return entries, nil
}

func partitionTypeName(t uint8) string {
	switch t {
	case 0x01:
		return "FAT12"
	case 0x04:
		return "FAT16 (<32MB)"
	case 0x05:
		return "Extended (CHS)"
	case 0x06:
		return "FAT16 (>32MB)"
	case 0x07:
		return "NTFS/HPFS/exFAT/QNX"
	case 0x0B:
		return "FAT32 (CHS)"
	case 0x0C:
		return "FAT32 (LBA)"
	case 0x0E:
		return "FAT16 (LBA)"
	case 0x0F:
		return "Extended (LBA)"
	case 0x82:
		return "Linux swap"
	case 0x83:
		return "Linux filesystem"
	case 0xEE:
		return "GPT protective"
	case 0xEF:
		return "EFI System Partition"
	}
	return fmt.Sprintf("type 0x%02X", t)
}

// MBR validates partition tables. The finding size covers every partition
// the table describes, clipped to the file; scanning continues inside the
// partitions.
type MBR struct {
	hooks.Base
}

func NewMBR() hooks.Checker { return &MBR{} }

func (*MBR) Name() string { return "mbr" }

func (*MBR) Modules() []string { return []string{ModuleSignature} }

func (*MBR) Scan(f *finding.Finding) error {
	if !f.Valid() || !strings.HasPrefix(f.Description, mbrPrefix) {
		return nil
	}

	sector := make([]byte, mbrSize)
	if _, err := f.File.ReadAt(sector, int64(f.Offset)); err != nil && err != io.EOF {
		f.Invalidate(err.Error())
		return nil
	}

	entries, err := parseMBR(sector)
	if err != nil {
		f.Invalidate(err.Error())
		return nil
	}

	var (
		parts []string
		end   uint64 = mbrSize
	)
	for i := range entries {
		e := &entries[i]
		if e.empty() {
			continue
		}
		if e.BootIndicator != 0 && e.BootIndicator != mbrBootable {
			f.Invalidate(fmt.Sprintf("partition %d: bad boot indicator 0x%02X", i+1, e.BootIndicator))
			return nil
		}
		if e.StartLBA == 0 || e.TotalSectors == 0 {
			f.Invalidate(fmt.Sprintf("partition %d: empty extent", i+1))
			return nil
		}

		end = max(end, e.end())
		desc := fmt.Sprintf("%d: %s, %s", i+1, partitionTypeName(e.Type), format.FormatBytes(int64(e.TotalSectors)*mbrSectorSize))
		if e.BootIndicator == mbrBootable {
			desc += ", bootable"
		}
		parts = append(parts, desc)
	}
	if len(parts) == 0 {
		f.Invalidate("no partitions")
		return nil
	}

	f.Size = min(end, uint64(f.File.Size())-f.Offset)
	f.Description += ", partitions: " + strings.Join(parts, "; ")
	return nil
}
