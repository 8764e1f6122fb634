// internal/config/config.go
package config

import (
	"encoding/json"
	"os"
)

type Config struct {
	Delta struct {
		MaxLinearDeltification int64 `json:"max_linear_deltification"`
		MaxDeltificationWalk   int64 `json:"max_deltification_walk"`
	} `json:"delta"`

	Storage struct {
		ShardSize  int64 `json:"shard_size"`
		RepSharing bool  `json:"rep_sharing"`
	} `json:"storage"`

	VerifyBeforePublish bool   `json:"verify_before_publish"`
	LogLevel            string `json:"log_level"` // debug, info, warn, error
}

// Default returns the tunables a fresh repository is created with.
func Default() *Config {
	var c Config
	c.Delta.MaxLinearDeltification = 16
	c.Delta.MaxDeltificationWalk = 1000
	c.Storage.ShardSize = 1000
	c.Storage.RepSharing = true
	c.LogLevel = "info"
	return &c
}

func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}
