package unpack

import (
	"github.com/ostafen/firmwalk/internal/extract"
)

type commandSpec struct {
	name, pattern, line, ext string
	codes                    []int
}

// External tools for filesystems no Go library reads.
var commands = []commandSpec{
	{"squashfs", `^squashfs filesystem`, "unsquashfs -no-progress -d %o %e", "squashfs", []int{0, 2}},
	{"cramfs", `^cramfs filesystem`, "cramfsck -x %o %e", "cramfs", nil},
}

// DefaultRules returns the built-in extraction table entries in lookup
// order.
func DefaultRules() []*extract.Rule {
	rules := []*extract.Rule{
		extract.MustRule("gzip", `^gzip compressed data`, Gzip, "gz.out"),
		extract.MustRule("zlib", `^zlib compressed data`, Zlib, "zlib.out"),
		extract.MustRule("xz", `^xz compressed data`, XZ, "xz.out"),
		extract.MustRule("lzma", `^lzma compressed data`, LZMA, "lzma.out"),
		extract.MustRule("bzip2", `^bzip2 compressed data`, Bzip2, "bz2.out"),
		extract.MustRule("lz4", `^lz4 compressed data`, LZ4, "lz4.out"),
		extract.MustRule("zstd", `^zstandard compressed data`, Zstd, "zst.out"),
		extract.MustRule("tar", `^posix tar archive`, extract.Callback(Tar), "tar.d"),
		extract.MustRule("zip", `^zip archive data`, extract.Callback(Zip), "zip.d"),
		extract.MustRule("7zip", `^7-zip archive data`, extract.Callback(SevenZip), "7z.d"),
		extract.MustRule("rar", `^rar archive data`, extract.Callback(Rar), "rar.d"),
		extract.MustRule("cpio", `^ascii cpio archive`, extract.Callback(CPIO), "cpio.d"),
		carve("android-sparse", `^android sparse image`, "simg"),
		carve("png", `^png image`, "png"),
		carve("jpeg", `^jpeg image`, "jpg"),
		carve("uimage", `^uimage header`, "uimage"),
	}

	for _, c := range commands {
		cmd, err := extract.NewCommand(c.line, c.codes...)
		if err != nil {
			panic(err)
		}
		rules = append(rules, extract.MustRule(c.name, c.pattern, cmd, c.ext))
	}
	return rules
}

// carve copies the object unchanged. The copy is not scanned again: it
// would match the same signature at offset zero.
func carve(name, pattern, ext string) *extract.Rule {
	r := extract.MustRule(name, pattern, extract.Callback(Carve), ext)
	r.Recurse = false
	return r
}

// DefaultTable builds a table from DefaultRules.
func DefaultTable() *extract.Table {
	return extract.NewTable(DefaultRules()...)
}
