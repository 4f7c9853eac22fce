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
package pbar

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/ostafen/firmwalk/pkg/util/format"
)

const MinRefreshRate = time.Millisecond * 500

// Progress renders a single status line of a running batch: files done
// out of files known so far, findings and bytes scanned. It only draws
// when the output is a terminal.
type Progress struct {
	mu sync.Mutex
	w  io.Writer

	enabled bool

	FilesDone  int
	FilesTotal int
	Findings   int
	Bytes      int64
	StartTime  time.Time
	lastUpdate time.Time
}

// New returns a Progress writing to f, enabled when f is a terminal.
func New(f *os.File) *Progress {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return NewWriter(f, tty)
}

func NewWriter(w io.Writer, enabled bool) *Progress {
	return &Progress{w: w, enabled: enabled, StartTime: time.Now()}
}

func (p *Progress) Enabled() bool {
	return p.enabled
}

// Queue adds n files to the total.
func (p *Progress) Queue(n int) {
	p.mu.Lock()
	p.FilesTotal += n
	p.mu.Unlock()
}

// Done records a finished file and redraws if the refresh interval passed.
func (p *Progress) Done(findings int, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.FilesDone++
	p.Findings += findings
	p.Bytes += bytes
	p.render(false)
}

// Render redraws the line; force ignores the refresh interval.
func (p *Progress) Render(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.render(force)
}

func (p *Progress) render(force bool) {
	if !p.enabled {
		return
	}
	if !force && time.Since(p.lastUpdate) < MinRefreshRate {
		return
	}
	p.lastUpdate = time.Now()

	elapsed := time.Since(p.StartTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(p.Bytes) / elapsed / (1024 * 1024)
	}

	// trailing spaces clear leftovers of a longer previous line
	fmt.Fprintf(p.w, "\r[INFO] Files: %d/%d | Findings: %d | Scanned: %s | @ %.2fMB/s    ",
		p.FilesDone,
		p.FilesTotal,
		p.Findings,
		format.FormatBytes(p.Bytes),
		speed)
}

// Finish draws the final state and ends the line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}
	p.render(true)
	fmt.Fprintln(p.w)
}
