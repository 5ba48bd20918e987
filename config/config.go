// Package config loads server settings from a YAML file and the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config contains the settings of every server component.
type Config struct {
	// IP address announced to clients in the character list.
	IP string `mapstructure:"ip"`
	// Name of the single world this server hosts.
	ServerName string `mapstructure:"server_name"`
	// Port the login protocol listens on.
	LoginProtocolPort int `mapstructure:"login_protocol_port"`
	// Port announced for the game world.
	GameProtocolPort int `mapstructure:"game_protocol_port"`

	MOTD       string `mapstructure:"motd"`
	MOTDNumber int    `mapstructure:"motd_number"`
	// Treat every account as premium.
	FreePremium bool `mapstructure:"free_premium"`

	// PKCS#1 PEM private key. Empty selects the well-known OpenTibia key.
	RSAKeyFile string `mapstructure:"rsa_key_file"`

	MaxPacketsPerSecond int           `mapstructure:"max_packets_per_second"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	// How long a new connection may take to send its first frame.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// Set SO_REUSEPORT on listeners.
	ReusePort bool `mapstructure:"reuse_port"`
	// XTEA-encrypt login responses. Stock 10.98 clients expect plain ones.
	XTEAResponses bool `mapstructure:"xtea_responses"`

	Database struct {
		// sqlite or postgres.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		// Log every query.
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"database"`

	Debugging struct {
		// Address of the debug HTTP server. Empty disables it.
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "OTSERV"

var defaults = map[string]interface{}{
	"ip":                       "127.0.0.1",
	"server_name":              "Forgotten",
	"login_protocol_port":      7171,
	"game_protocol_port":       7172,
	"motd":                     "Welcome to the Forgotten Server!",
	"motd_number":              1,
	"free_premium":             false,
	"rsa_key_file":             "",
	"max_packets_per_second":   25,
	"read_timeout":             "30s",
	"write_timeout":            "30s",
	"handshake_timeout":        "10s",
	"reuse_port":               false,
	"xtea_responses":           false,
	"database.driver":          "sqlite",
	"database.dsn":             "otserv.db",
	"database.debug":           false,
	"debugging.listen_address": "",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Nested keys can be set through the environment too, for example
	// database.dsn as OTSERV_DATABASE_DSN.
	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the YAML file at path on top of the defaults. An empty path
// loads only defaults and environment.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", path)
		}
		glog.Infof("loaded config from %s", path)
	}
	return decode(v)
}

// Default returns the built-in defaults, with environment overrides.
func Default() *Config {
	c, err := decode(newViper())
	if err != nil {
		// Only reachable through a malformed environment variable.
		glog.Errorf("config: %v", err)
		return &Config{}
	}
	return c
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.LoginProtocolPort < 0 || c.LoginProtocolPort > 65535 {
		return errors.Errorf("login_protocol_port %d out of range", c.LoginProtocolPort)
	}
	if c.GameProtocolPort < 0 || c.GameProtocolPort > 65535 {
		return errors.Errorf("game_protocol_port %d out of range", c.GameProtocolPort)
	}
	if c.MaxPacketsPerSecond < 0 {
		return errors.Errorf("max_packets_per_second %d is negative", c.MaxPacketsPerSecond)
	}
	return nil
}
