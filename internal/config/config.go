// Package config parses the CLI and environment surface into the immutable
// Config struct the core reads. Parsing itself belongs to the external
// driver (cmd/irodsfs); this package is that driver's implementation, kept
// separate from the core packages so the core only ever depends on the
// resulting struct.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Compiled-in defaults for the tunable options. The core packages receive
// these values through their own Config structs, keeping config free of a
// core import.
const (
	DefaultMaxConn                 = 10
	DefaultBlockSize               = 1024 * 1024
	DefaultConnTimeoutSec          = 200
	DefaultConnKeepAliveSec        = 120
	DefaultConnCheckIntervalSec    = 60
	DefaultRodsAPITimeoutSec       = 60 * 5
	DefaultPreloadNumBlocks        = 4
	DefaultMetadataCacheTimeoutSec = 180
)

// Config is the immutable-after-startup configuration the core consumes.
type Config struct {
	MountPoint string

	Debug      bool
	Foreground bool
	ShowHelp   bool
	ShowVersion bool
	NonEmpty   bool

	Ticket  string
	Workdir string

	NoDirectIO      bool
	NoCache         bool
	NoPreload       bool
	NoCacheMetadata bool

	ConnReuse bool

	MaxConn   int
	BlockSize int

	ConnTimeoutSec       int
	ConnKeepAliveSec     int
	ConnCheckIntervalSec int

	RodsAPITimeoutSec int

	PreloadNumBlocks int

	MetadataCacheTimeoutSec int
}

// Default returns a Config populated with the documented compile-time
// defaults, including connReuse=false.
func Default() *Config {
	return &Config{
		MaxConn:                 DefaultMaxConn,
		BlockSize:               DefaultBlockSize,
		ConnTimeoutSec:          DefaultConnTimeoutSec,
		ConnKeepAliveSec:        DefaultConnKeepAliveSec,
		ConnCheckIntervalSec:    DefaultConnCheckIntervalSec,
		RodsAPITimeoutSec:       DefaultRodsAPITimeoutSec,
		PreloadNumBlocks:        DefaultPreloadNumBlocks,
		MetadataCacheTimeoutSec: DefaultMetadataCacheTimeoutSec,
		ConnReuse:               false,
	}
}

// Environ is the subset of the process environment Parse consults; passing
// a fake makes Parse's env fallback deterministically testable.
type Environ func(key string) (string, bool)

// Parse parses args (excluding the program name) against the CLI flag
// surface, falling back to IRODSFS_* environment variables, and finally to
// Default's compiled-in values. A -h flag sets ShowHelp on the returned
// Config; Parse itself prints no usage text for it.
func Parse(args []string, env Environ) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("irodsfs", flag.ContinueOnError)

	help := fs.Bool("h", false, "show help")
	debug := fs.Bool("d", false, "enable debug logging")
	fg := fs.Bool("f", false, "run in foreground")
	ver := fs.Bool("v", false, "show version")
	verLong := fs.Bool("V", false, "show version")
	ticket := fs.String("t", "", "session ticket")
	workdir := fs.String("w", "", "remote working directory")

	var opts multiFlag
	fs.Var(&opts, "o", "mount option, may be repeated: name or name=value")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ShowHelp = *help
	cfg.Debug = *debug
	cfg.Foreground = *fg
	cfg.ShowVersion = *ver || *verLong
	cfg.Ticket = *ticket
	cfg.Workdir = *workdir

	if rest := fs.Args(); len(rest) > 0 {
		cfg.MountPoint = rest[0]
	}

	set := map[string]string{}
	for _, raw := range opts {
		for _, kv := range strings.Split(raw, ",") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			if eq := strings.IndexByte(kv, '='); eq >= 0 {
				set[kv[:eq]] = kv[eq+1:]
			} else {
				set[kv] = "true"
			}
		}
	}

	if err := applyLongOptions(cfg, set, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// applyLongOptions resolves each long option against, in precedence order,
// an explicit "-o name=value", then the matching IRODSFS_* environment
// variable, then the compiled-in default already in cfg.
func applyLongOptions(cfg *Config, set map[string]string, env Environ) error {
	lookup := func(optName, envName string) (string, bool) {
		if v, ok := set[optName]; ok {
			return v, true
		}
		if env != nil {
			if v, ok := env(envName); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}

	if _, ok := set["nodirectio"]; ok {
		cfg.NoDirectIO = true
	}
	if v, ok := lookup("nocache", "IRODSFS_NOCACHE"); ok {
		cfg.NoCache = parseBool(v, cfg.NoCache)
	}
	if v, ok := lookup("nopreload", "IRODSFS_NOPRELOAD"); ok {
		cfg.NoPreload = parseBool(v, cfg.NoPreload)
	}
	if v, ok := lookup("nocachemetadata", "IRODSFS_NOCACHEMETADATA"); ok {
		cfg.NoCacheMetadata = parseBool(v, cfg.NoCacheMetadata)
	}
	if v, ok := lookup("maxconn", "IRODSFS_MAXCONN"); ok {
		cfg.MaxConn = parseInt(v, cfg.MaxConn)
	}
	if v, ok := lookup("blocksize", "IRODSFS_BLOCKSIZE"); ok {
		cfg.BlockSize = parseInt(v, cfg.BlockSize)
	}

	// connreuse / noconnreuse are two independent opt-in switches rather
	// than a bool option, matching the CLI surface; noconnreuse is applied
	// second, so it wins whenever both are given.
	if v, ok := lookup("connreuse", "IRODSFS_CONNREUSE"); ok && parseBool(v, false) {
		cfg.ConnReuse = true
	}
	if v, ok := lookup("noconnreuse", "IRODSFS_NOCONNREUSE"); ok && parseBool(v, false) {
		cfg.ConnReuse = false
	}

	if v, ok := lookup("conntimeout", "IRODSFS_CONNTIMEOUT"); ok {
		cfg.ConnTimeoutSec = parseInt(v, cfg.ConnTimeoutSec)
	}
	if v, ok := lookup("connkeepalive", "IRODSFS_CONNKEEPALIVE"); ok {
		cfg.ConnKeepAliveSec = parseInt(v, cfg.ConnKeepAliveSec)
	}
	if v, ok := lookup("conncheckinterval", "IRODSFS_CONNCHECKINTERVAL"); ok {
		cfg.ConnCheckIntervalSec = parseInt(v, cfg.ConnCheckIntervalSec)
	}
	if v, ok := lookup("apitimeout", "IRODSFS_APITIMEOUT"); ok {
		cfg.RodsAPITimeoutSec = parseInt(v, cfg.RodsAPITimeoutSec)
	}
	if v, ok := lookup("preloadblocks", "IRODSFS_PRELOADBLOCKS"); ok {
		cfg.PreloadNumBlocks = parseInt(v, cfg.PreloadNumBlocks)
	}
	if v, ok := lookup("metadatacachetimeout", "IRODSFS_METADATACACHETIMEOUT"); ok {
		cfg.MetadataCacheTimeoutSec = parseInt(v, cfg.MetadataCacheTimeoutSec)
	}
	if v, ok := set["ticket"]; ok && cfg.Ticket == "" {
		cfg.Ticket = v
	}
	if v, ok := set["workdir"]; ok && cfg.Workdir == "" {
		cfg.Workdir = v
	}
	if _, ok := set["nonempty"]; ok {
		cfg.NonEmpty = true
	}

	return nil
}

// parseBool maps a case-insensitive "true" to true and a case-insensitive
// "false" to false; any other value falls back to def.
func parseBool(v string, def bool) bool {
	if strings.EqualFold(v, "true") {
		return true
	}
	if strings.EqualFold(v, "false") {
		return false
	}
	return def
}

// parseInt parses v as a base-10 integer, falling back to def on error so
// an invalid override never prevents startup.
func parseInt(v string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Validate reports an error describing the first missing or invalid
// required field.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	if c.MaxConn <= 0 {
		return fmt.Errorf("maxconn must be positive, got %d", c.MaxConn)
	}
	if c.MetadataCacheTimeoutSec <= 0 {
		return fmt.Errorf("metadatacachetimeout must be positive, got %d", c.MetadataCacheTimeoutSec)
	}
	return nil
}
