// Package config loads the tunnel broker's TOML configuration file,
// applying defaults and environment-variable overrides in the same
// layered order the broker's other ambient packages follow.
package config

import "fmt"

// Config is the full set of recognized configuration keys, resolved to
// their defaults and validated by Load.
type Config struct {
	ListenAddr       string
	ListenPort       int
	UseProxyProtocol bool
	TicketAPIURL     string
	VerifySSL        bool
	BrokerAuthToken  string
	MetricsAddr      string
	LogLevel         string
}

// fileConfig is the shape decoded straight off the TOML file. VerifySSL
// is a pointer here because its documented default is true: a plain bool
// can't distinguish "absent from the file" from "explicitly set false".
type fileConfig struct {
	ListenAddr       string `toml:"listen_addr"`
	ListenPort       int    `toml:"listen_port"`
	UseProxyProtocol bool   `toml:"use_proxy_protocol"`
	TicketAPIURL     string `toml:"ticket_api_url"`
	VerifySSL        *bool  `toml:"verify_ssl"`
	BrokerAuthToken  string `toml:"broker_auth_token"`
	MetricsAddr      string `toml:"metrics_addr"`
	LogLevel         string `toml:"log_level"`
}

// resolve applies every documented default to produce the Config the
// rest of the broker consumes.
func (f fileConfig) resolve() Config {
	cfg := Config{
		ListenAddr:       f.ListenAddr,
		ListenPort:       f.ListenPort,
		UseProxyProtocol: f.UseProxyProtocol,
		TicketAPIURL:     f.TicketAPIURL,
		VerifySSL:        true,
		BrokerAuthToken:  f.BrokerAuthToken,
		MetricsAddr:      f.MetricsAddr,
		LogLevel:         f.LogLevel,
	}
	if f.VerifySSL != nil {
		cfg.VerifySSL = *f.VerifySSL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "*"
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 443
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg
}

// Validate enforces the required keys and the log level's enum.
func (c Config) Validate() error {
	if c.TicketAPIURL == "" {
		return fmt.Errorf("config: ticket_api_url is required")
	}
	if c.BrokerAuthToken == "" {
		return fmt.Errorf("config: broker_auth_token is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port must be between 1 and 65535, got %d", c.ListenPort)
	}
	return nil
}
