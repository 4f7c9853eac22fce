// Package config loads the layered configuration: built-in defaults, an
// optional TOML or YAML file, FIRMWALK_* environment variables and explicit
// overrides, each layer replacing the keys it sets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	appenv "github.com/ostafen/firmwalk/internal/env"
	"github.com/ostafen/firmwalk/internal/logger"
	"github.com/ostafen/firmwalk/pkg/util/format"
)

const EnvPrefix = "FIRMWALK_"

// ByteSize accepts plain integers or strings like "4MB".
type ByteSize uint64

type Config struct {
	Scan    ScanConfig    `koanf:"scan"`
	Extract ExtractConfig `koanf:"extract"`
	Rules   RulesConfig   `koanf:"rules"`
	Filter  FilterConfig  `koanf:"filter"`
	Log     LogConfig     `koanf:"log"`
	Report  ReportConfig  `koanf:"report"`
}

type ScanConfig struct {
	BlockSize    ByteSize `koanf:"block_size"`
	TrailingSize ByteSize `koanf:"trailing_size"`
	Module       string   `koanf:"module"`
	Workers      int      `koanf:"workers"`
}

type ExtractConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Directory string   `koanf:"directory"`
	Recurse   bool     `koanf:"recurse"`
	MaxDepth  int      `koanf:"max_depth"`
	MaxSize   ByteSize `koanf:"max_size"`
	Commands  bool     `koanf:"commands"`
}

type RulesConfig struct {
	Files    []string `koanf:"files"`
	OnlyUser bool     `koanf:"only_user"`
}

type FilterConfig struct {
	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

type ReportConfig struct {
	File string `koanf:"file"`
}

func defaults() map[string]any {
	return map[string]any{
		"scan.block_size":    "1MB",
		"scan.trailing_size": 0,
		"scan.module":        "signature",
		"scan.workers":       runtime.NumCPU(),
		"extract.enabled":    false,
		"extract.directory":  "extractions",
		"extract.recurse":    false,
		"extract.max_depth":  8,
		"extract.max_size":   "1GB",
		"extract.commands":   true,
		"rules.files":        []string{},
		"rules.only_user":    false,
		"filter.include":     []string{},
		"filter.exclude":     []string{},
		"log.level":          "info",
		"log.file":           "",
		"report.file":        "",
	}
}

// DefaultPath is the config file read when none is given explicitly.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appenv.AppName, "config.toml")
}

type LoadOptions struct {
	// Path of the config file. When empty, DefaultPath is read if it
	// exists.
	Path string
	// Overrides are applied last, keyed like "extract.enabled".
	Overrides map[string]any
}

func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path := opts.Path
	if path == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			path = DefaultPath()
		}
	}
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				byteSizeHook(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("config %s: unsupported format, use .toml or .yaml", path)
}

// envKey maps FIRMWALK_EXTRACT_MAX_DEPTH to extract.max_depth: the first
// underscore separates the section.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) || from.Kind() != reflect.String {
			return data, nil
		}
		n, err := format.ParseBytes(data.(string))
		if err != nil {
			return nil, err
		}
		return ByteSize(n), nil
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Scan.BlockSize == 0 {
		errs = append(errs, errors.New("scan.block_size must be positive"))
	}
	if c.Scan.BlockSize > 1<<30 {
		errs = append(errs, errors.New("scan.block_size must not exceed 1GB"))
	}
	if c.Scan.TrailingSize > c.Scan.BlockSize {
		errs = append(errs, errors.New("scan.trailing_size must not exceed scan.block_size"))
	}
	if c.Scan.Workers < 1 {
		errs = append(errs, errors.New("scan.workers must be at least 1"))
	}
	if c.Extract.MaxDepth < 0 {
		errs = append(errs, errors.New("extract.max_depth must not be negative"))
	}
	if c.Extract.Enabled && c.Extract.Directory == "" {
		errs = append(errs, errors.New("extract.directory is required when extraction is enabled"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
