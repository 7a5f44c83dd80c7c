package config

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   3001,
			ShutdownTimeoutSeconds: 10,
		},
		Store: StoreConfig{
			DBPath: "database.sqlite",
		},
		Uploads: UploadsConfig{
			Dir: "uploads",
		},
		Hub: HubConfig{
			HistoryLimit:   50,
			SendBuffer:     256,
			MaxFrameBytes:  10 << 20,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimit: RateLimitConfig{
				Enabled:   false,
				PerSecond: 10,
				Burst:     20,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
