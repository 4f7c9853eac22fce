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
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ostafen/firmwalk/internal/checkers"
	"github.com/ostafen/firmwalk/internal/config"
	"github.com/ostafen/firmwalk/internal/env"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/hooks"
	"github.com/ostafen/firmwalk/internal/logger"
	"github.com/ostafen/firmwalk/internal/rules"
	"github.com/ostafen/firmwalk/internal/sandbox"
	"github.com/ostafen/firmwalk/internal/scan"
	"github.com/ostafen/firmwalk/internal/unpack"
	"github.com/ostafen/firmwalk/pkg/dfxml"
	"github.com/ostafen/firmwalk/pkg/pbar"
	"github.com/ostafen/firmwalk/pkg/util/format"
	osutil "github.com/ostafen/firmwalk/pkg/util/os"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func DefineScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <file|dir>...",
		Short: "Scan firmware images for embedded signatures",
		Long: `The 'scan' command searches every input file for known signatures and prints
the findings in offset order. With --extract, recognized objects are carved or
unpacked below the output directory; with --matryoshka, every extracted file is
scanned in turn.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE:         RunScan,
	}

	cmd.Flags().BoolP("extract", "e", false, "extract recognized objects")
	cmd.Flags().StringP("directory", "C", "", "extraction output directory")
	cmd.Flags().BoolP("matryoshka", "M", false, "recursively scan extracted files")
	cmd.Flags().IntP("depth", "d", scan.DefaultMaxDepth, "maximum recursion depth")
	cmd.Flags().String("max-size", "", "maximum size of a single extracted file")
	cmd.Flags().Bool("no-commands", false, "never run external extraction tools")
	cmd.Flags().StringP("block-size", "b", "", "size of the blocks read from each file")
	cmd.Flags().String("trailing-size", "", "overlap carried between consecutive blocks")
	cmd.Flags().IntP("workers", "j", 1, "number of files scanned concurrently")
	cmd.Flags().StringSliceP("magic", "m", nil, "additional signature rule files")
	cmd.Flags().Bool("only-user", false, "ignore the built-in signature rules")
	cmd.Flags().StringSliceP("include", "y", nil, "only show findings whose description matches")
	cmd.Flags().StringSliceP("exclude", "x", nil, "hide findings whose description matches")
	cmd.Flags().StringP("report", "o", "", "path of the DFXML report")

	return cmd
}

func RunScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	return runScan(ctx, cfg, args, cmd.OutOrStdout(), log)
}

func runScan(ctx context.Context, cfg *config.Config, args []string, out io.Writer, log zerolog.Logger) error {
	set, err := loadRules(cfg, log)
	if err != nil {
		return err
	}

	registry, err := checkers.Registry(checkers.Options{
		Include: cfg.Filter.Include,
		Exclude: cfg.Filter.Exclude,
	})
	if err != nil {
		return err
	}

	var engine *extract.Engine
	if cfg.Extract.Enabled {
		if engine, err = newEngine(cfg, registry, log); err != nil {
			return err
		}
	}

	paths, err := osutil.ListFiles(args...)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no regular files found in %s", strings.Join(args, ", "))
	}

	session := scan.SessionID(time.Now())
	reportFile := cfg.Report.File
	if reportFile == "" {
		reportFile = fmt.Sprintf("report_%s.xml", session)
	}

	report, err := newReport(reportFile, paths)
	if err != nil {
		return err
	}
	defer report.Close()

	printHeader(out, cfg, set, paths, reportFile)

	progress := pbar.New(os.Stderr)
	opts := scan.Options{
		BlockSize:    int(cfg.Scan.BlockSize),
		TrailingSize: int(cfg.Scan.TrailingSize),
		Module:       cfg.Scan.Module,
		Workers:      cfg.Scan.Workers,
		Recurse:      cfg.Extract.Enabled && cfg.Extract.Recurse,
		MaxDepth:     cfg.Extract.MaxDepth,
		OnSchedule: func(string, int) {
			progress.Queue(1)
		},
	}
	scanner := scan.New(set, registry, engine, opts, logger.Component(log, "scan"))

	var reportErr error
	sum, err := scanner.Run(ctx, paths, func(r *scan.FileResult) {
		progress.Done(len(r.Shown()), r.Size)
		printResult(out, r)
		if err := writeFileObjects(report, r); err != nil && reportErr == nil {
			reportErr = err
		}
	})
	progress.Finish()

	printSummary(out, sum, engine, reportFile, cfg.Log.File)

	if err != nil {
		return err
	}
	if reportErr != nil {
		return fmt.Errorf("write report: %w", reportErr)
	}
	return nil
}

func newEngine(cfg *config.Config, registry *hooks.Registry, log zerolog.Logger) (*extract.Engine, error) {
	if _, err := osutil.EnsureDir(cfg.Extract.Directory); err != nil {
		return nil, err
	}

	sb, err := sandbox.New(cfg.Extract.Directory, logger.Component(log, "sandbox"))
	if err != nil {
		return nil, err
	}

	table := unpack.DefaultTable()
	if err := registry.Init(table, log); err != nil {
		log.Warn().Err(err).Msg("some checkers registered no extraction rules")
	}

	return extract.NewEngine(table, sb, extract.Options{
		MaxSize:  int64(cfg.Extract.MaxSize),
		Commands: cfg.Extract.Commands,
	}, logger.Component(log, "extract")), nil
}

type reportWriter struct {
	f *os.File
	w *dfxml.Writer
}

func newReport(path string, sources []string) (*reportWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	hdr := dfxml.Header{
		XmlOutput: dfxml.XmlOutputVersion,
		Metadata:  dfxml.DefaultMetadata,
		Creator: dfxml.Creator{
			Package:              env.AppName,
			Version:              env.Version,
			ExecutionEnvironment: dfxml.GetExecEnv(),
		},
	}
	for _, p := range sources {
		var size uint64
		if fi, err := os.Stat(p); err == nil {
			size = uint64(fi.Size())
		}
		hdr.Sources = append(hdr.Sources, dfxml.Source{ImageFilename: absPath(p), ImageSize: size})
	}

	w := dfxml.NewWriter(f)
	if err := w.WriteHeader(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &reportWriter{f: f, w: w}, nil
}

func (r *reportWriter) Close() error {
	err := r.w.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeFileObjects(r *reportWriter, res *scan.FileResult) error {
	for _, f := range res.Shown() {
		obj := dfxml.FileObject{
			Filename:    absPath(res.Path),
			FileSize:    f.Size,
			Description: f.Description,
			Rule:        f.RuleName,
			Depth:       res.Depth,
			ByteRuns: dfxml.ByteRuns{
				Runs: []dfxml.ByteRun{{ImgOffset: f.Offset, Length: f.Size}},
			},
		}
		if x := res.Extraction(f); x != nil {
			if x.OK {
				obj.Extracted = x.Output
			} else if x.Err != nil {
				obj.Error = x.Err.Error()
			}
		}
		if err := r.w.WriteFileObject(obj); err != nil {
			return err
		}
	}
	return nil
}

func printHeader(w io.Writer, cfg *config.Config, set *rules.Set, paths []string, reportFile string) {
	fmt.Fprintln(w, "[INFO] Starting scanning operation...")
	fmt.Fprintf(w, "[INFO] Sources: \t%d file(s)\n", len(paths))
	if cfg.Extract.Enabled {
		fmt.Fprintf(w, "[INFO] Destination: \t%s\n", absPath(cfg.Extract.Directory))
	}
	fmt.Fprintf(w, "[INFO] Report: \t%s\n", absPath(reportFile))
	fmt.Fprintf(w, "[INFO] Scanning for %d signatures...\n", set.Len())
	fmt.Fprintln(w)
}

func printResult(w io.Writer, r *scan.FileResult) {
	fmt.Fprintf(w, "\nScan Time:     %s\n", time.Now().Format(time.DateTime))
	fmt.Fprintf(w, "Target File:   %s\n", absPath(r.Path))
	if r.Depth > 0 {
		fmt.Fprintf(w, "Depth:         %d\n", r.Depth)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "Error:         %v\n\n", r.Err)
		return
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintln(tw, "DECIMAL\tHEXADECIMAL\tDESCRIPTION")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, f := range r.Shown() {
		fmt.Fprintf(tw, "%d\t0x%X\t%s\n", f.Offset, f.Offset, f.Description)
	}
	tw.Flush()
}

func printSummary(w io.Writer, sum *scan.Summary, engine *extract.Engine, reportFile, logFile string) {
	if sum == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "[INFO] Scan completed!\n")
	fmt.Fprintf(w, "[INFO] Files scanned: \t%d (%d failed)\n", sum.Files, sum.Failed)
	fmt.Fprintf(w, "[INFO] Findings: \t%d (%d shown)\n", sum.Findings, sum.Shown)
	if engine != nil {
		fmt.Fprintf(w, "[INFO] Extracted: \t%d\n", sum.Extracted)
		if sum.Violations > 0 {
			fmt.Fprintf(w, "[WARN] Blocked paths: \t%d\n", sum.Violations)
		}
	}
	fmt.Fprintf(w, "[INFO] Total data: \t%s\n", format.FormatBytes(sum.Bytes))
	fmt.Fprintf(w, "[INFO] Duration: \t%s\n", scan.FormatDuration(sum.Duration))
	fmt.Fprintf(w, "[INFO] Report saved to: \t%s\n", absPath(reportFile))
	if logFile != "" {
		fmt.Fprintf(w, "[INFO] Detailed scan log: \t%s\n", absPath(logFile))
	}
}

func absPath(path string) string {
	if p, err := filepath.Abs(path); err == nil {
		return p
	}
	return path
}
