package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.bhaichat",
			LogLevel: "info",
		},
		Auth: AuthConfig{
			ProviderID: "local",
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
			Retries:        0,
			TitleEnabled:   true,
			PersistReplies: true,
		},
		Remote: RemoteConfig{
			Driver:   "memory",
			Database: "bhaichat",
		},
		Cache: CacheConfig{
			Driver: "sqlite",
			DBPath: "~/.bhaichat/pointer.db",
		},
		Chat: ChatConfig{
			DefaultPersonality:   "swag_bhai",
			ConfirmWindowSeconds: 120,
			HistoryLimit:         50,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}
