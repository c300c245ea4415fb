package config

import (
	"flag"
	"io"
	"strings"
)

// Flags command line options of the lendingd binary.
type Flags struct {
	ConfigPath string
	Debug      bool
	// Overrides applied on top of the config file when non-empty.
	Addr     string
	Platform string
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string, output io.Writer) (Flags, error) {
	fs := flag.NewFlagSet("lendingd", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	var f Flags
	fs.StringVar(&f.ConfigPath, "config", "", "path to yaml config")
	fs.BoolVar(&f.Debug, "debug", false, "enable development logging")
	fs.StringVar(&f.Addr, "addr", "", "override web.addr, example: :8080")
	fs.StringVar(&f.Platform, "platform", "", "override platform: binance, bybit, hyperliquid or static")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Get loads the config named by the flags and applies the overrides.
func Get(f Flags) (Config, error) {
	cfg, err := read(f.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	if f.Addr != "" {
		cfg.Web.Addr = f.Addr
	}
	if f.Platform != "" {
		cfg.Platform = strings.ToLower(f.Platform)
	}
	return cfg, cfg.Validate()
}
