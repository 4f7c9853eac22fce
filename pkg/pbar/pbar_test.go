package pbar_test

import (
	"bytes"
	"testing"

	"github.com/ostafen/firmwalk/pkg/pbar"
	"github.com/stretchr/testify/require"
)

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := pbar.NewWriter(&buf, true)
	p.Queue(3)
	p.Done(2, 2048)
	p.Done(0, 1024)
	p.Finish()

	out := buf.String()
	require.Contains(t, out, "Files: 2/3")
	require.Contains(t, out, "Findings: 2")
	require.Contains(t, out, "Scanned: 3KB")
	require.Equal(t, byte('\n'), out[len(out)-1])
}

func TestProgressDisabled(t *testing.T) {
	var buf bytes.Buffer
	p := pbar.NewWriter(&buf, false)
	p.Queue(1)
	p.Done(1, 10)
	p.Finish()
	require.Empty(t, buf.String())
}
