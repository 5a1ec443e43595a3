package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the vocpar configuration file
// (~/.config/vocpar/config.yaml). All numeric fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	NumEmbeddings    *int64 `yaml:"num_embeddings"`
	OrgNumEmbeddings *int64 `yaml:"org_num_embeddings"`
	EmbeddingDim     *int64 `yaml:"embedding_dim"`
	PaddingSize      *int64 `yaml:"padding_size"`
	WorldSize        *int64 `yaml:"world_size"`
	Parallelism      string `yaml:"parallelism"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "vocpar", "config.yaml")
}

// loadConfig reads the config file if present. A missing file is not an
// error; a malformed one is.
func loadConfig() (Config, error) {
	var cfg Config
	path := configPath()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyTopologyConfig applies config file defaults to topology flags that
// were not set explicitly on the command line.
func applyTopologyConfig(c *cli.Command, cfg Config) {
	if cfg.NumEmbeddings != nil && !c.IsSet("num-embeddings") {
		numEmbeddings = *cfg.NumEmbeddings
	}
	if cfg.OrgNumEmbeddings != nil && !c.IsSet("org-num-embeddings") {
		orgNumEmbeddings = *cfg.OrgNumEmbeddings
	}
	if cfg.EmbeddingDim != nil && !c.IsSet("embedding-dim") {
		embeddingDim = *cfg.EmbeddingDim
	}
	if cfg.PaddingSize != nil && !c.IsSet("padding-size") {
		paddingSize = *cfg.PaddingSize
	}
	if cfg.WorldSize != nil && !c.IsSet("world-size") {
		worldSize = *cfg.WorldSize
	}
	if cfg.Parallelism != "" && !c.IsSet("parallelism") {
		parallelism = cfg.Parallelism
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}
