// Package config loads the on-disk engine configuration: data directory,
// page size, buffer-pool capacity, and the WAL segment size limit. The
// WAL file-number ceiling is not a knob; it is fixed by the 16-bit fileNo
// in every LSN (internal/lsn).
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the engine's top-level configuration, loaded from a YAML file.
type Config struct {
	Storage struct {
		DataDir        string `mapstructure:"data_dir"`
		PageSize       int    `mapstructure:"page_size"`
		BufferCapacity int    `mapstructure:"buffer_capacity"`
	} `mapstructure:"storage"`

	WAL struct {
		// MaxFileSize caps one WAL segment's size in bytes; appends past
		// it roll over to the next segment file. 0 keeps the 10 MiB default.
		MaxFileSize int `mapstructure:"max_file_size"`
	} `mapstructure:"wal"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	var c Config
	c.Storage.DataDir = "./data"
	c.Storage.PageSize = 8192
	c.Storage.BufferCapacity = 256
	return c
}

// Load reads a YAML config file at path, filling any field the file
// omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
