package api

import (
	"errors"
	"time"
)

type CORSConfig struct {
	TrustedOrigins []string `yaml:"trusted_origins"`
}

type Config struct {
	Addr     string     `yaml:"addr"`
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	CORS     CORSConfig `yaml:"cors"`

	// SubscribeKeepAlive is the interval of keep-alive comments on /subscribe streams.
	SubscribeKeepAlive time.Duration `yaml:"subscribe_keep_alive"`
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("api server address is required")
	}

	if c.SubscribeKeepAlive < 0 {
		return errors.New("subscribe keep-alive interval cannot be negative")
	}

	return nil
}
