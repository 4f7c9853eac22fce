package extract_test

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ostafen/firmwalk/internal/errs"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/finding"
	"github.com/ostafen/firmwalk/internal/fs"
	"github.com/ostafen/firmwalk/internal/sandbox"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openRef(t *testing.T, name string, data []byte) *finding.FileRef {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := fs.Open(path)
	require.NoError(t, err)

	ref := finding.NewFileRef(path, 0, f)
	t.Cleanup(func() { ref.Close() })
	return ref
}

func newEngine(t *testing.T, table *extract.Table, opts extract.Options) *extract.Engine {
	sb, err := sandbox.New(filepath.Join(t.TempDir(), "out"), zerolog.Nop())
	require.NoError(t, err)
	return extract.NewEngine(table, sb, opts, zerolog.Nop())
}

var copyAll = extract.Callback(func(_ context.Context, job *extract.Job) error {
	_, err := job.WriteOutput(job.Input)
	return err
})

func TestTableOrdering(t *testing.T) {
	generic := extract.MustRule("generic", "^kernel", copyAll, "bin")
	first := extract.MustRule("first", "^kernel image", copyAll, "img")
	first.Prepend = true
	second := extract.MustRule("second", "^KERNEL", copyAll, "raw")
	second.Prepend = true

	table := extract.NewTable(generic)
	require.Equal(t, "generic", table.Lookup("kernel image, v2", true).Name)

	table.Add(first)
	require.Equal(t, "first", table.Lookup("kernel image, v2", true).Name)

	// the most recently prepended rule wins
	table.Add(second)
	require.Equal(t, "second", table.Lookup("kernel image, v2", true).Name)
	require.Nil(t, table.Lookup("gzip compressed data", true))
	require.Equal(t, 3, table.Len())

	cmd, err := extract.NewCommand("cramfsck -x %o %e")
	require.NoError(t, err)
	table.Add(extract.MustRule("cramfs", "^compressed ROMFS", cmd, ""))
	require.NotNil(t, table.Lookup("compressed ROMFS filesystem", true))
	require.Nil(t, table.Lookup("compressed ROMFS filesystem", false))
}

func TestNewCommand(t *testing.T) {
	cmd, err := extract.NewCommand(`unsquashfs -d '%o' "%e"`, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"unsquashfs", "-d", "/out/x", "/tmp/in"}, cmd.Argv("/tmp/in", "/out/x"))
	require.Equal(t, []int{0, 2}, cmd.SuccessCodes)

	_, err = extract.NewCommand("   ")
	require.Error(t, err)

	_, err = extract.NewCommand(`broken "quote`)
	require.Error(t, err)
}

func TestExtractNaming(t *testing.T) {
	data := []byte("....AAAA....BBBB....")
	ref := openRef(t, "fw.bin", data)

	engine := newEngine(t, extract.NewTable(extract.MustRule("blob", "^blob", copyAll, "blob")), extract.Options{})

	f1 := finding.New(ref, 4, "blob data")
	f1.Size = 4
	f2 := finding.New(ref, 12, "blob data")
	f2.Size = 4

	r1 := engine.Extract(context.Background(), f1)
	require.NotNil(t, r1)
	require.True(t, r1.OK, "%v", r1.Err)
	require.True(t, r1.Recurse())
	require.Equal(t, filepath.Join(engine.Sandbox().Root(), "_fw.bin.extracted", "fw.blob"), r1.Output)

	r2 := engine.Extract(context.Background(), f2)
	require.True(t, r2.OK, "%v", r2.Err)
	require.Equal(t, filepath.Join(engine.Sandbox().Root(), "_fw.bin.extracted", "fw_C.blob"), r2.Output)

	got, err := os.ReadFile(r2.Output)
	require.NoError(t, err)
	require.Equal(t, "BBBB", string(got))

	// hidden or invalid findings are never extracted
	f3 := finding.New(ref, 0, "blob data")
	f3.Invalidate("corrupt")
	require.Nil(t, engine.Extract(context.Background(), f3))

	f4 := finding.New(ref, 0, "blob data")
	f4.Extract = false
	require.Nil(t, engine.Extract(context.Background(), f4))
}

func TestExtractFailures(t *testing.T) {
	ref := openRef(t, "image.img", []byte("payload"))

	failing := extract.Callback(func(context.Context, *extract.Job) error {
		return errors.New("decode error")
	})
	empty := extract.Callback(func(_ context.Context, job *extract.Job) error {
		_, err := job.WriteOutput(strings.NewReader(""))
		return err
	})
	huge := extract.Callback(func(_ context.Context, job *extract.Job) error {
		_, err := job.WriteOutput(io.LimitReader(zeroReader{}, 4096))
		return err
	})

	table := extract.NewTable(
		extract.MustRule("fail", "^fail", failing, "out"),
		extract.MustRule("empty", "^empty", empty, "out"),
		extract.MustRule("huge", "^huge", huge, "out"),
	)
	engine := newEngine(t, table, extract.Options{MaxSize: 1024})

	res := engine.Extract(context.Background(), finding.New(ref, 0, "fail"))
	require.False(t, res.OK)
	require.False(t, res.Recurse())
	require.ErrorIs(t, res.Err, errs.ErrExtract)

	res = engine.Extract(context.Background(), finding.New(ref, 0, "empty"))
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, extract.ErrNoOutput)
	require.NoFileExists(t, res.Output)

	res = engine.Extract(context.Background(), finding.New(ref, 0, "huge"))
	require.False(t, res.OK)
	require.ErrorIs(t, res.Err, extract.ErrOutputLimit)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestExtractWholeFile(t *testing.T) {
	ref := openRef(t, "system.img", []byte("HEADERbody"))

	naive := extract.MustRule("naive", "^sparse", copyAll, "raw")
	whole := extract.MustRule("whole", "^sparse", copyAll, "raw")
	whole.WholeFile = true
	whole.Prepend = true

	engine := newEngine(t, extract.NewTable(naive), extract.Options{})

	f := finding.New(ref, 6, "sparse image")
	res := engine.Extract(context.Background(), f)
	require.True(t, res.OK)
	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Equal(t, "body", string(got))

	engine.Table().Add(whole)
	res = engine.Extract(context.Background(), f)
	require.True(t, res.OK)
	require.Equal(t, "whole", res.Rule.Name)
	got, err = os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Equal(t, "HEADERbody", string(got))
}

func TestExtractCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}

	ref := openRef(t, "fw.bin", []byte("xxxxhello command"))

	cmd, err := extract.NewCommand(`sh -c 'tr a-z A-Z < "$1" > "$2"' sh %e %o`)
	require.NoError(t, err)
	fails, err := extract.NewCommand(`sh -c 'exit 3'`)
	require.NoError(t, err)

	table := extract.NewTable(
		extract.MustRule("upper", "^text", cmd, "txt"),
		extract.MustRule("fails", "^broken", fails, "txt"),
	)
	engine := newEngine(t, table, extract.Options{Commands: true})

	res := engine.Extract(context.Background(), finding.New(ref, 4, "text data"))
	require.True(t, res.OK, "%v", res.Err)
	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Equal(t, "HELLO COMMAND", string(got))

	// the temporary carve file is gone
	entries, err := os.ReadDir(filepath.Dir(res.Output))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	res = engine.Extract(context.Background(), finding.New(ref, 4, "broken data"))
	require.False(t, res.OK)
	require.Contains(t, res.Err.Error(), "status 3")
}
