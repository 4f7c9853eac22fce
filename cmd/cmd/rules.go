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
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ostafen/firmwalk/internal/checkers"
	"github.com/ostafen/firmwalk/internal/extract"
	"github.com/ostafen/firmwalk/internal/unpack"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func DefineRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the signature and extraction rules",
		Long: `The 'rules' command displays the signature rules used by 'scan', with the magic
bytes or pattern each one searches for. With --extract it lists the extraction
rules instead, in lookup order.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         RunRules,
	}

	cmd.Flags().StringSliceP("magic", "m", nil, "additional signature rule files")
	cmd.Flags().Bool("only-user", false, "ignore the built-in signature rules")
	cmd.Flags().Bool("extract", false, "list the extraction rules")
	return cmd
}

func RunRules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if listExtract, _ := cmd.Flags().GetBool("extract"); listExtract {
		return printExtractionRules(cmd.OutOrStdout())
	}

	log, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	set, err := loadRules(cfg, log)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIGNATURE\tOFFSET\tDESCRIPTION")
	for _, r := range set.Rules() {
		sig := hex.EncodeToString(r.Magic)
		if r.IsRegex() {
			sig = "/" + r.Regex.String() + "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, sig, r.MagicOffset, r.Description)
	}
	return w.Flush()
}

func printExtractionRules(out io.Writer) error {
	table := unpack.DefaultTable()

	registry, err := checkers.Registry(checkers.Options{})
	if err != nil {
		return err
	}
	if err := registry.Init(table, zerolog.Nop()); err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATTERN\tEXT\tACTION")
	for _, r := range table.Rules() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Pattern, r.Ext, describeAction(r))
	}
	return w.Flush()
}

func describeAction(r *extract.Rule) string {
	if cmd, ok := r.Action.(*extract.Command); ok {
		return cmd.String()
	}
	return "built-in"
}
