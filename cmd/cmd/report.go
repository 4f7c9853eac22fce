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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ostafen/firmwalk/pkg/dfxml"
	"github.com/ostafen/firmwalk/pkg/util/format"
	"github.com/spf13/cobra"
)

func DefineReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "report <file.xml>",
		Short:        "Print the findings stored in a scan report",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         RunReport,
	}

	cmd.Flags().Bool("extracted", false, "only list findings that were extracted")
	return cmd
}

func RunReport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	report, err := dfxml.Read(f)
	if err != nil {
		return fmt.Errorf("read report %s: %w", args[0], err)
	}
	onlyExtracted, _ := cmd.Flags().GetBool("extracted")
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "[INFO] Created by: \t%s %s\n", report.Creator.Package, report.Creator.Version)
	fmt.Fprintf(out, "[INFO] Started at: \t%s\n", report.Creator.ExecutionEnvironment.Start)
	for _, src := range report.Sources {
		fmt.Fprintf(out, "[INFO] Source: \t%s (%s)\n", src.ImageFilename, format.FormatBytes(int64(src.ImageSize)))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tOFFSET\tSIZE\tDESCRIPTION\tEXTRACTED")
	for _, obj := range report.FileObjects {
		if onlyExtracted && obj.Extracted == "" {
			continue
		}

		var offset uint64
		if len(obj.ByteRuns.Runs) > 0 {
			offset = obj.ByteRuns.Runs[0].ImgOffset
		}
		extracted := obj.Extracted
		if obj.Error != "" {
			extracted = "error: " + obj.Error
		}
		fmt.Fprintf(w, "%s\t0x%X\t%s\t%s\t%s\n",
			obj.Filename,
			offset,
			format.FormatBytes(int64(obj.FileSize)),
			obj.Description,
			extracted,
		)
	}
	return w.Flush()
}
