package unpack_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/ostafen/firmwalk/internal/sandbox"
	"github.com/ostafen/firmwalk/internal/unpack"
	"github.com/pierrec/lz4/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

var plaintext = bytes.Repeat([]byte("the quick brown firmware jumps over the lazy bootloader\n"), 64)

func openRef(t *testing.T, name string, data []byte) *finding.FileRef {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := fs.Open(path)
	require.NoError(t, err)

	ref := finding.NewFileRef(path, 0, f)
	t.Cleanup(func() { ref.Close() })
	return ref
}

func newEngine(t *testing.T, table *extract.Table, maxSize int64) *extract.Engine {
	sb, err := sandbox.New(filepath.Join(t.TempDir(), "out"), zerolog.Nop())
	require.NoError(t, err)
	return extract.NewEngine(table, sb, extract.Options{MaxSize: maxSize}, zerolog.Nop())
}

func compress(t *testing.T, wrap func(io.Writer) (io.WriteCloser, error)) []byte {
	var buf bytes.Buffer
	w, err := wrap(&buf)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCodecs(t *testing.T) {
	cases := []struct {
		desc string
		wrap func(io.Writer) (io.WriteCloser, error)
	}{
		{"gzip compressed data, from Unix", func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil }},
		{"zlib compressed data, default compression", func(w io.Writer) (io.WriteCloser, error) { return zlib.NewWriter(w), nil }},
		{"xz compressed data", func(w io.Writer) (io.WriteCloser, error) { return xz.NewWriter(w) }},
		{"lz4 compressed data (v1.4+)", func(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil }},
		{"Zstandard compressed data (v0.8+)", func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			payload := compress(t, tc.wrap)

			// the stream sits at offset 100, followed by unrelated bytes
			data := append(bytes.Repeat([]byte{0xEE}, 100), payload...)
			data = append(data, "trailing garbage"...)

			ref := openRef(t, "firmware.bin", data)
			engine := newEngine(t, unpack.DefaultTable(), 0)

			res := engine.Extract(context.Background(), finding.New(ref, 100, tc.desc))
			require.NotNil(t, res)
			require.True(t, res.OK, "%v", res.Err)

			got, err := os.ReadFile(res.Output)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestCorruptStream(t *testing.T) {
	data := append([]byte{0x78, 0x9c}, bytes.Repeat([]byte{0xFF}, 64)...)
	ref := openRef(t, "firmware.bin", data)
	engine := newEngine(t, unpack.DefaultTable(), 0)

	res := engine.Extract(context.Background(), finding.New(ref, 0, "zlib compressed data"))
	require.False(t, res.OK)
	require.Error(t, res.Err)
	require.NoFileExists(t, res.Output)
}

type tarEntry struct {
	name, link string
	typ        byte
	body       string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Linkname: e.link, Typeflag: e.typ, Mode: 0o644, Size: int64(len(e.body))}
		if e.typ == tar.TypeDir || e.typ == tar.TypeSymlink {
			hdr.Mode, hdr.Size = 0o755, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestTarStaysInSandbox(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "etc/", typ: tar.TypeDir},
		{name: "etc/hostname", typ: tar.TypeReg, body: "router\n"},
		{name: "../../etc/passwold", typ: tar.TypeReg, body: "root::0:0::/:/bin/sh\n"},
		{name: "escape", link: "/etc", typ: tar.TypeSymlink},
		{name: "escape/shadow", typ: tar.TypeReg, body: "owned"},
		{name: "hostname.lnk", link: "etc/hostname", typ: tar.TypeSymlink},
	})

	ref := openRef(t, "rootfs.tar", data)
	engine := newEngine(t, unpack.DefaultTable(), 0)
	root := engine.Sandbox().Root()

	res := engine.Extract(context.Background(), finding.New(ref, 0, `POSIX tar archive (GNU), file name: "etc/"`))
	require.True(t, res.OK, "%v", res.Err)
	require.Equal(t, filepath.Join(root, "_rootfs.tar.extracted", "rootfs.tar.d"), res.Output)

	got, err := os.ReadFile(filepath.Join(res.Output, "etc", "hostname"))
	require.NoError(t, err)
	require.Equal(t, "router\n", string(got))

	// nothing was written outside the output root
	require.NoFileExists(t, filepath.Join(filepath.Dir(root), "etc", "passwold"))
	require.NoFileExists(t, filepath.Join(root, "etc", "passwold"))

	target, err := os.Readlink(filepath.Join(res.Output, "escape"))
	require.NoError(t, err)
	require.Equal(t, os.DevNull, target)

	target, err = os.Readlink(filepath.Join(res.Output, "hostname.lnk"))
	require.NoError(t, err)
	require.Equal(t, "etc/hostname", target)

	violations := engine.Sandbox().Violations()
	require.GreaterOrEqual(t, len(violations), 3)
}

func TestTarTruncated(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "a.txt", typ: tar.TypeReg, body: "first entry"},
		{name: "b.txt", typ: tar.TypeReg, body: string(bytes.Repeat([]byte("b"), 2000))},
	})
	// cut the archive in the middle of the second member
	data = data[:512+512+512+700]

	ref := openRef(t, "cut.tar", data)
	engine := newEngine(t, unpack.DefaultTable(), 0)

	res := engine.Extract(context.Background(), finding.New(ref, 0, "POSIX tar archive"))
	require.True(t, res.OK, "%v", res.Err)
	require.FileExists(t, filepath.Join(res.Output, "a.txt"))
}

func TestTarOutputLimit(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "big.bin", typ: tar.TypeReg, body: string(bytes.Repeat([]byte{1}, 4096))},
	})
	ref := openRef(t, "big.tar", data)
	engine := newEngine(t, unpack.DefaultTable(), 1024)

	res := engine.Extract(context.Background(), finding.New(ref, 0, "POSIX tar archive"))
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, extract.ErrOutputLimit)
}

func TestZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"config/network", "../outside", "bin/init"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	data := append([]byte("JUNKJUNK"), buf.Bytes()...)
	ref := openRef(t, "update.bin", data)
	engine := newEngine(t, unpack.DefaultTable(), 0)

	f := finding.New(ref, 8, "Zip archive data, at least v2.0 to extract")
	f.Size = uint64(buf.Len())
	res := engine.Extract(context.Background(), f)
	require.True(t, res.OK, "%v", res.Err)

	got, err := os.ReadFile(filepath.Join(res.Output, "bin", "init"))
	require.NoError(t, err)
	require.Equal(t, "content of bin/init", string(got))
	require.NoFileExists(t, filepath.Join(filepath.Dir(res.Output), "outside"))
}

func newcHeader(name string, mode uint32, size int) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "070701%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		1, mode, 0, 0, 1, 0, size, 0, 0, 0, 0, len(name)+1, 0)
	b.WriteString(name)
	b.WriteByte(0)
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
	return b.Bytes()
}

func buildCPIO(files map[string]string, order []string) []byte {
	var out []byte
	out = append(out, newcHeader(".", 0o040755, 0)...)
	for _, name := range order {
		body, ok := files[name]
		if !ok {
			out = append(out, newcHeader(name, 0o040755, 0)...)
			continue
		}
		out = append(out, newcHeader(name, 0o100644, len(body))...)
		out = append(out, body...)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}
	return append(out, newcHeader("TRAILER!!!", 0, 0)...)
}

func TestCPIO(t *testing.T) {
	files := map[string]string{"etc/inittab": "::sysinit:/etc/rcS\n", "init": "#!/bin/sh\n"}
	data := buildCPIO(files, []string{"etc", "etc/inittab", "init"})

	ref := openRef(t, "initramfs.bin", append(data, bytes.Repeat([]byte{0}, 512)...))
	engine := newEngine(t, unpack.DefaultTable(), 0)

	res := engine.Extract(context.Background(), finding.New(ref, 0, `ASCII cpio archive (SVR4 with no CRC), file name: "."`))
	require.True(t, res.OK, "%v", res.Err)

	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(res.Output, name))
		require.NoError(t, err)
		require.Equal(t, body, string(got))
	}
}

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

func TestSparse(t *testing.T) {
	img := sparseImage(64)

	n, err := unpack.SparseLength(bytes.NewReader(img), 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(img)), n)

	prefix := []byte("bootloader-padding")
	ref := openRef(t, "super.img", append(prefix, img...))

	rebuild := extract.MustRule("sparse", "^android sparse", extract.Callback(unpack.Sparse), "img")
	rebuild.WholeFile = true
	engine := newEngine(t, extract.NewTable(rebuild), 0)

	res := engine.Extract(context.Background(), finding.New(ref, uint64(len(prefix)), "Android sparse image, version 1.0"))
	require.True(t, res.OK, "%v", res.Err)

	want := bytes.Repeat([]byte{'R'}, 64)
	want = append(want, bytes.Repeat([]byte("FILL"), 32)...)
	want = append(want, make([]byte, 64)...)

	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = unpack.ParseSparseHeader(bytes.NewReader(img[4:]), 0)
	require.ErrorIs(t, err, unpack.ErrInvalidSparse)
}

func TestDefaultTableCommands(t *testing.T) {
	table := unpack.DefaultTable()

	require.Nil(t, table.Lookup("Squashfs filesystem, little endian, version 4.0", false))

	r := table.Lookup("Squashfs filesystem, little endian, version 4.0", true)
	require.NotNil(t, r)
	require.True(t, r.IsCommand())
	require.Equal(t, "squashfs", r.Name)

	require.Equal(t, "gzip", table.Lookup("gzip compressed data", false).Name)
	require.True(t, table.Lookup("gzip compressed data", false).Recurse)

	// carved copies are never scanned again
	png := table.Lookup("PNG image, 16 x 16, 8-bit", false)
	require.NotNil(t, png)
	require.False(t, png.Recurse)
}
