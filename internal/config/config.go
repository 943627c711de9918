// Package config loads the daemon's TOML configuration file,
// generalized from the teacher's inline .sift.toml struct-and-
// Unmarshal block in cmd/sift/main.go into its own package now that
// the field set covers a store directory, an HTTP address, and model
// paths rather than a single model directory.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk daemon configuration, conventionally read
// from imgsift.toml in the current directory or a path given via
// --config.
type Config struct {
	StoreDir   string `toml:"store-dir"`
	ModelDir   string `toml:"model-dir"`
	ModelName  string `toml:"model-name"`
	OrtLib     string `toml:"ort-lib"`
	Threads    int    `toml:"threads"`
	BatchSize  int    `toml:"batch-size"`
	ListenAddr string `toml:"listen-addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		StoreDir:   ".imgsift",
		ModelDir:   "./models",
		ModelName:  "",
		OrtLib:     "./lib/onnxruntime.so",
		Threads:    0,
		BatchSize:  16,
		ListenAddr: "127.0.0.1:8722",
	}
}

// Load reads and merges path's TOML contents onto Default(). A
// missing file is not an error — the defaults are returned as-is,
// matching the teacher's tolerant "if b, err := os.ReadFile(...); err
// == nil" pattern.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
