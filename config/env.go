package config

import "os"

// applyEnvironmentOverrides lets deployment secrets and per-host settings
// override the file, highest priority last, matching the broker's other
// env-var-wins conventions.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("TUNNELBROKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TUNNELBROKER_TICKET_API_URL"); v != "" {
		cfg.TicketAPIURL = v
	}
	if v := os.Getenv("TUNNELBROKER_BROKER_AUTH_TOKEN"); v != "" {
		cfg.BrokerAuthToken = v
	}
	if v := os.Getenv("TUNNELBROKER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("TUNNELBROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
