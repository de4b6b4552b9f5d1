// Package config provides a reusable loader for auctionmesh configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"auctionmesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an auctionmesh peer. It mirrors
// the structure of the optional YAML files Load reads from cmd/config or
// config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		NodeTimeout    int      `mapstructure:"node_timeout" json:"node_timeout"`
	} `mapstructure:"network" json:"network"`

	DHT struct {
		KeyLen     int `mapstructure:"key_len" json:"key_len"`
		NBuckets   int `mapstructure:"n_buckets" json:"n_buckets"`
		K          int `mapstructure:"k" json:"k"`
		Alpha      int `mapstructure:"alpha" json:"alpha"`
		TReplicate int `mapstructure:"t_replicate" json:"t_replicate"`
		RPCTimeout int `mapstructure:"rpc_timeout" json:"rpc_timeout"`
	} `mapstructure:"dht" json:"dht"`

	Chain struct {
		DifficultyPrefix string `mapstructure:"difficulty_prefix" json:"difficulty_prefix"`
	} `mapstructure:"chain" json:"chain"`

	PubSub struct {
		PublishTTL int `mapstructure:"publish_ttl" json:"publish_ttl"`
	} `mapstructure:"pubsub" json:"pubsub"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Defaults mirrors the constants the original Kademlia/blockchain design
// hard-coded; Load seeds them before a config file can override any subset.
func setDefaults() {
	viper.SetDefault("network.node_timeout", 1)
	viper.SetDefault("dht.key_len", 20)
	viper.SetDefault("dht.n_buckets", 160)
	viper.SetDefault("dht.k", 20)
	viper.SetDefault("dht.alpha", 3)
	viper.SetDefault("dht.t_replicate", 3600)
	viper.SetDefault("dht.rpc_timeout", 3600)
	viper.SetDefault("chain.difficulty_prefix", "00")
	viper.SetDefault("pubsub.publish_ttl", 120)
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If no config file is found the built-in defaults are used —
// auctionmesh peers are expected to run fine with zero configuration.
func Load(env string) (*Config, error) {
	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.AutomaticEnv() // picks up from .env via godotenv in cmd

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the AUCTIONMESH_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("AUCTIONMESH_ENV", ""))
}
