package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrefixTableWalk(t *testing.T) {
	tb := New[int]()
	tb.Insert([]byte("apple"), 1)
	tb.Insert([]byte("applet"), 2)
	tb.Insert([]byte("apricot"), 3)
	tb.Insert(nil, 4)

	require.Equal(t, 3, tb.Size())
	require.Equal(t, 7, tb.MaxKeyLen())
	require.Equal(t, []string{"apple", "applet", "apricot"}, tb.Keys())

	walk := func(s string) []int {
		var got []int
		tb.Walk([]byte(s), func(key []byte, v int) bool {
			got = append(got, v)
			return false
		})
		return got
	}

	require.Equal(t, []int{1, 2}, walk("appletie"))
	require.Equal(t, []int{3}, walk("apricot and more"))
	require.Empty(t, walk("application"))
	require.Empty(t, walk("ap"))

	var first []int
	tb.Walk([]byte("applet"), func(key []byte, v int) bool {
		first = append(first, v)
		return true
	})
	require.Equal(t, []int{1}, first)
}

func TestPrefixTableBinaryKeys(t *testing.T) {
	tb := New[string]()
	tb.Insert([]byte{0x1f, 0x8b, 0x08}, "gzip")
	tb.Insert([]byte{0x78, 0x9c}, "zlib")

	v, ok := tb.Get([]byte{0x78, 0x9c})
	require.True(t, ok)
	require.Equal(t, "zlib", v)

	var got []string
	tb.Walk([]byte{0x1f, 0x8b, 0x08, 0x00, 0xff}, func(key []byte, v string) bool {
		got = append(got, v)
		return false
	})
	require.Equal(t, []string{"gzip"}, got)
}
