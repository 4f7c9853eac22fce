package checkers_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/ostafen/firmwalk/internal/checkers"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/ostafen/firmwalk/internal/unpack"
	"github.com/stretchr/testify/require"
)

func openRef(t *testing.T, data []byte) *finding.FileRef {
	path := filepath.Join(t.TempDir(), "target.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := fs.Open(path)
	require.NoError(t, err)

	ref := finding.NewFileRef(path, 0, f)
	t.Cleanup(func() { ref.Close() })
	return ref
}

func embed(prefix int, payload []byte, suffix int) []byte {
	data := bytes.Repeat([]byte{0xAA}, prefix)
	data = append(data, payload...)
	return append(data, bytes.Repeat([]byte{0x55}, suffix)...)
}

func scan(t *testing.T, c hooks.Checker, f *finding.Finding) {
	require.NoError(t, c.Scan(f))
}

func TestZipChecker(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"[Content_Types].xml", "_rels/.rels", "word/document.xml"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(bytes.Repeat([]byte(name), 20))
		require.NoError(t, err)
	}
	require.NoError(t, zw.SetComment("carved"))
	require.NoError(t, zw.Close())

	ref := openRef(t, embed(32, buf.Bytes(), 100))

	f := finding.New(ref, 32, "Zip archive data, at least v2.0 to extract")
	scan(t, checkers.NewZip(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(buf.Len()), f.Size)
	require.Equal(t, uint64(32+buf.Len()), f.Jump)
	require.Contains(t, f.Description, "Office Open XML docx document")

	// a local header followed by garbage
	bad := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x11}, 60)...)
	f = finding.New(openRef(t, bad), 0, "Zip archive data, at least v1.0 to extract")
	scan(t, checkers.NewZip(), f)
	require.False(t, f.Valid())
}

func TestPNGChecker(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ref := openRef(t, embed(7, buf.Bytes(), 9))
	f := finding.New(ref, 7, "PNG image, 4 x 3, 8-bit")
	scan(t, checkers.NewPNG(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(buf.Len()), f.Size)

	corrupt := bytes.Clone(buf.Bytes())
	corrupt[len(corrupt)-20] ^= 0xFF
	f = finding.New(openRef(t, corrupt), 0, "PNG image, 4 x 3, 8-bit")
	scan(t, checkers.NewPNG(), f)
	require.False(t, f.Valid())
}

func TestTarChecker(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"etc/passwd", "bin/busybox"} {
		body := bytes.Repeat([]byte("x"), 700)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	ref := openRef(t, embed(512, buf.Bytes(), 300))
	f := finding.New(ref, 512, `POSIX tar archive, file name: "etc/passwd", file size: 700 bytes`)
	scan(t, checkers.NewTar(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(buf.Len()), f.Size)
	require.Equal(t, uint64(512+buf.Len()), f.Jump)
	require.Contains(t, f.Description, "2 members")

	// checksum mismatch on the first header
	broken := bytes.Clone(buf.Bytes())
	broken[0] ^= 0xFF
	f = finding.New(openRef(t, broken), 0, "POSIX tar archive")
	scan(t, checkers.NewTar(), f)
	require.False(t, f.Valid())
}

func TestCPIOSingleShot(t *testing.T) {
	ref := openRef(t, make([]byte, 16))

	c := checkers.NewCPIO()
	require.NoError(t, c.PreScan(&hooks.Scan{File: ref}))

	var findings []*finding.Finding
	for _, name := range []string{"bin", "bin/sh", "etc", "etc/inittab", "TRAILER!!!"} {
		f := finding.New(ref, uint64(len(findings)*128), `ASCII cpio archive (SVR4 with no CRC), file name: "`+name+`", file size: 0`)
		scan(t, c, f)
		findings = append(findings, f)
	}

	var extractable int
	for _, f := range findings {
		if f.Extractable() {
			extractable++
		}
	}
	require.Equal(t, 1, extractable)
	require.True(t, findings[0].Extractable())

	// a second archive after the trailer is extracted again
	f := finding.New(ref, 1024, `ASCII cpio archive (SVR4 with no CRC), file name: "init", file size: 0`)
	scan(t, c, f)
	require.True(t, f.Extractable())
}

func TestCompressedStream(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(bytes.Repeat([]byte("firmware "), 500))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	ref := openRef(t, embed(100, buf.Bytes(), 64))
	f := finding.New(ref, 100, "gzip compressed data, from Unix filesystem")
	scan(t, checkers.NewCompressedStream(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(buf.Len()), f.Size)

	junk := append([]byte{0x1f, 0x8b, 0x08, 0x00, 0, 0, 0, 0, 0, 3}, bytes.Repeat([]byte{0xFF}, 200)...)
	f = finding.New(openRef(t, junk), 0, "gzip compressed data, from Unix filesystem")
	scan(t, checkers.NewCompressedStream(), f)
	require.False(t, f.Valid())

	f = finding.New(openRef(t, []byte{0x78, 0x9c, 0xFF, 0xFF, 0xFF}), 0, "zlib compressed data, default compression")
	scan(t, checkers.NewCompressedStream(), f)
	require.False(t, f.Valid())
}

func TestFilter(t *testing.T) {
	factory, err := checkers.NewFilter([]string{"^gzip", "^png"}, []string{"unix"})
	require.NoError(t, err)

	ref := openRef(t, make([]byte, 8))
	c := factory()
	require.NoError(t, c.PreScan(&hooks.Scan{File: ref}))

	shown := finding.New(ref, 0, "gzip compressed data, from FAT filesystem")
	excluded := finding.New(ref, 0, "gzip compressed data, from Unix filesystem")
	notIncluded := finding.New(ref, 0, "xz compressed data")
	for _, f := range []*finding.Finding{shown, excluded, notIncluded} {
		scan(t, c, f)
	}
	require.True(t, shown.Shown())
	require.False(t, excluded.Shown())
	require.False(t, notIncluded.Shown())
	require.True(t, excluded.Extractable())

	factory, err = checkers.NewFilter(nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, factory().PreScan(&hooks.Scan{File: ref}), hooks.ErrInert)

	_, err = checkers.NewFilter([]string{"("}, nil)
	require.Error(t, err)
}

// sparseImage builds a 4 block image: raw, fill x2, don't care.
func sparseImage(blockSize int) []byte {
	le := binary.LittleEndian
	var b []byte
	b = le.AppendUint32(b, 0xED26FF3A)
	b = le.AppendUint16(b, 1)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, 28)
	b = le.AppendUint16(b, 12)
	b = le.AppendUint32(b, uint32(blockSize))
	b = le.AppendUint32(b, 4)
	b = le.AppendUint32(b, 3)
	b = le.AppendUint32(b, 0)

	chunk := func(typ uint16, blocks, payload int) {
		b = le.AppendUint16(b, typ)
		b = le.AppendUint16(b, 0)
		b = le.AppendUint32(b, uint32(blocks))
		b = le.AppendUint32(b, uint32(12+payload))
	}
	chunk(0xCAC1, 1, blockSize)
	b = append(b, bytes.Repeat([]byte{'R'}, blockSize)...)
	chunk(0xCAC2, 2, 4)
	b = append(b, 'F', 'I', 'L', 'L')
	chunk(0xCAC3, 1, 0)
	return b
}

func TestSparseChecker(t *testing.T) {
	img := sparseImage(64)
	ref := openRef(t, embed(0, img, 40))

	c := checkers.NewSparse()
	f := finding.New(ref, 0, "Android sparse image, version 1.0, total size: 256 bytes, 3 chunks")
	scan(t, c, f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(len(img)), f.Size)

	table := extract.NewTable(extract.MustRule("carve", "^android sparse", extract.Callback(unpack.Carve), "simg"))
	require.NoError(t, c.Init(table))
	r := table.Lookup(f.Description, false)
	require.Equal(t, "android-sparse-rebuild", r.Name)
	require.True(t, r.WholeFile)

	truncated := img[:len(img)-30]
	f = finding.New(openRef(t, truncated), 0, "Android sparse image, version 1.0")
	scan(t, c, f)
	require.False(t, f.Valid())
}

func TestRegistryOrder(t *testing.T) {
	reg, err := checkers.Registry(checkers.Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"compressed-stream", "zip", "png", "jpeg", "tar", "cpio", "sparse", "mbr", "filter"}, reg.Names())

	_, err = checkers.Registry(checkers.Options{Exclude: []string{"["}})
	require.Error(t, err)
}

func bootSector(entries ...[4]uint32) []byte {
	sector := make([]byte, 512)
	for i, e := range entries {
		raw := sector[0x1BE+i*16:]
		raw[0] = byte(e[0])
		raw[4] = byte(e[1])
		binary.LittleEndian.PutUint32(raw[8:], e[2])
		binary.LittleEndian.PutUint32(raw[12:], e[3])
	}
	sector[510], sector[511] = 0x55, 0xAA
	return sector
}

func TestMBRChecker(t *testing.T) {
	// boot indicator, type, start LBA, sectors
	sector := bootSector([4]uint32{0x80, 0x0C, 1, 4}, [4]uint32{0, 0x83, 5, 3})
	ref := openRef(t, embed(0, sector, 8*512))

	f := finding.New(ref, 0, "DOS master boot record")
	scan(t, checkers.NewMBR(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(8*512), f.Size)
	require.Contains(t, f.Description, "1: FAT32 (LBA), 2KB, bootable")
	require.Contains(t, f.Description, "2: Linux filesystem")

	// partitions past the end of the file are clipped
	ref = openRef(t, embed(0, bootSector([4]uint32{0, 0x83, 1, 1 << 20}), 512))
	f = finding.New(ref, 0, "DOS master boot record")
	scan(t, checkers.NewMBR(), f)
	require.True(t, f.Valid())
	require.Equal(t, uint64(1024), f.Size)

	bad := bootSector([4]uint32{0x42, 0x83, 1, 1})
	f = finding.New(openRef(t, bad), 0, "DOS master boot record")
	scan(t, checkers.NewMBR(), f)
	require.False(t, f.Valid())
}

func TestJPEGChecker(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	ref := openRef(t, embed(32, buf.Bytes(), 100))
	f := finding.New(ref, 32, "JPEG image data, JFIF standard")
	scan(t, checkers.NewJPEG(), f)
	require.True(t, f.Valid(), f.InvalidReason())
	require.Equal(t, uint64(buf.Len()), f.Size)
	require.Equal(t, uint64(32+buf.Len()), f.Jump)

	// no end of image marker
	truncated := buf.Bytes()[:buf.Len()-2]
	f = finding.New(openRef(t, truncated), 0, "JPEG image data, JFIF standard")
	scan(t, checkers.NewJPEG(), f)
	require.False(t, f.Valid())
	require.Contains(t, f.InvalidReason(), "end of image")
}
