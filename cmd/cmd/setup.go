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
	"errors"
	"fmt"
	"io"

	"github.com/ostafen/firmwalk/internal/config"
	"github.com/ostafen/firmwalk/internal/logger"
	"github.com/ostafen/firmwalk/internal/rules"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// flagKeys maps command line flags to the configuration keys they
// override. Only flags set explicitly take part.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-file":      "log.file",
	"block-size":    "scan.block_size",
	"trailing-size": "scan.trailing_size",
	"workers":       "scan.workers",
	"extract":       "extract.enabled",
	"directory":     "extract.directory",
	"matryoshka":    "extract.recurse",
	"depth":         "extract.max_depth",
	"max-size":      "extract.max_size",
	"magic":         "rules.files",
	"only-user":     "rules.only_user",
	"include":       "filter.include",
	"exclude":       "filter.exclude",
	"report":        "report.file",
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if sv, ok := f.Value.(interface{ GetSlice() []string }); ok {
			overrides[key] = sv.GetSlice()
			continue
		}
		overrides[key] = f.Value.String()
	}
	if f := cmd.Flags().Lookup("no-commands"); f != nil && f.Changed {
		overrides["extract.commands"] = false
	}

	path, _ := cmd.Flags().GetString("config")
	return config.Load(config.LoadOptions{Path: path, Overrides: overrides})
}

func setupLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	return logger.Setup(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
}

// loadRules builds the rule set. Malformed rules are logged and skipped; a
// set left empty is fatal.
func loadRules(cfg *config.Config, log zerolog.Logger) (*rules.Set, error) {
	var all []*rules.Rule

	add := func(source string, rs []*rules.Rule, err error) {
		all = append(all, rs...)
		if err == nil {
			return
		}
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				log.Warn().Err(e).Str("source", source).Msg("rule skipped")
			}
			return
		}
		log.Warn().Err(err).Str("source", source).Msg("rules not loaded")
	}

	if !cfg.Rules.OnlyUser {
		rs, err := rules.LoadDefault()
		add("built-in", rs, err)
	}
	for _, path := range cfg.Rules.Files {
		rs, err := rules.LoadFile(path)
		add(path, rs, err)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no usable signature rules")
	}
	return rules.NewSet(all...), nil
}
