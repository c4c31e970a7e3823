package config

func Defaults() *Config {
	return &Config{
		Google: GoogleConfig{
			CredentialsFile: "~/.gchatbridge/credentials.json",
		},
		Bot: BotConfig{
			Name: "gchatbridge",
		},
		Listener: ListenerConfig{
			Mode:               "pull",
			MaxOutstanding:     100,
			AckDeadlineSeconds: 60,
			BackoffInitialMs:   500,
			BackoffMaxSeconds:  30,
			Push: PushConfig{
				Host: "0.0.0.0",
				Port: 8080,
				Path: "/pubsub/push",
			},
		},
		Bridge: BridgeConfig{
			MaxConcurrent:        16,
			ShutdownGraceSeconds: 10,
		},
		Attachment: AttachmentConfig{
			MediaBase:      "https://chat.googleapis.com",
			MaxBytes:       200 << 20,
			TimeoutSeconds: 60,
		},
		Chat: ChatConfig{
			APIBase:        "https://chat.googleapis.com",
			RatePerMinute:  60,
			Burst:          5,
			TimeoutSeconds: 30,
		},
		Dedup: DedupConfig{
			Backend:      "sqlite",
			SQLitePath:   "~/.gchatbridge/dedup.db",
			TTLHours:     24,
			LeaseSeconds: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9102,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "gce",
		},
	}
}
