package config

import (
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

type Path string

func (p Path) Join(elem ...string) Path {
	parts := append([]string{string(p)}, elem...)
	return Path(filepath.Join(parts...))
}

func (p Path) ToString() string {
	return string(p)
}

func Load(path Path, cfg any) error {
	err := cleanenv.ReadConfig(path.ToString(), cfg)
	return err
}

// DefaultPath returns the config file path from ARK_RELAY_CONFIG, falling
// back to config.toml in the working directory.
func DefaultPath() Path {
	if p := os.Getenv("ARK_RELAY_CONFIG"); p != "" {
		return Path(p)
	}
	return "config.toml"
}
