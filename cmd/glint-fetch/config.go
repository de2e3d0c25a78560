package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port int `yaml:"port"`
	// CacheFile is the sqlite file of the persistent tier.
	CacheFile string `yaml:"cacheFile"`
	// Tier byte caps.
	MemoryCacheBytes int64 `yaml:"memoryCacheBytes"`
	DiskCacheBytes   int64 `yaml:"diskCacheBytes"`
	// DefaultTTL applies to cacheable responses without an explicit
	// freshness lifetime, in time.ParseDuration syntax, e.g. "10m".
	DefaultTTL string `yaml:"defaultTtl"`
	// AllowedSchemes restricts which protocols are enabled; empty
	// enables everything registered.
	AllowedSchemes []string `yaml:"allowedSchemes"`
	// InsecureOrigins may proceed despite failed trust validation.
	InsecureOrigins []string `yaml:"insecureOrigins"`
	// RevokedSerials is the local certificate revocation list.
	RevokedSerials []string `yaml:"revokedSerials"`
	// IPFSGateways are the content-addressed provider URLs.
	IPFSGateways []string `yaml:"ipfsGateways"`
	// PerOriginLimit caps concurrent connections per origin.
	PerOriginLimit int `yaml:"perOriginLimit"`
	// IdleConnTimeout closes idle pooled connections, in
	// time.ParseDuration syntax.
	IdleConnTimeout string `yaml:"idleConnTimeout"`
	// MaxRedirects bounds redirect chains for the web handlers.
	MaxRedirects int `yaml:"maxRedirects"`
	// MaxRetries bounds automatic retries of transient failures.
	MaxRetries int    `yaml:"maxRetries"`
	LogFile    string `yaml:"logFile"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
