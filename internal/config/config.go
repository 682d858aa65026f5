package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string `yaml:"addr"`
	DataDir   string `yaml:"data_dir"`
	StaticDir string `yaml:"static_dir"`
	DBPath    string `yaml:"db_path"`
	BoardCap  int    `yaml:"board_cap"`
	Journal   bool   `yaml:"journal"`
}

// Load reads the yaml config at path, applying defaults for anything unset.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:     ":3000",
		DataDir:  "./data",
		BoardCap: 10,
		Journal:  true,
	}
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":3000"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.DataDir, "world.sqlite")
	}
	if c.BoardCap == 0 {
		c.BoardCap = 10
	}
}

func (c Config) Validate() error {
	if c.BoardCap < 0 {
		return fmt.Errorf("board_cap must be >= 0")
	}
	return nil
}
