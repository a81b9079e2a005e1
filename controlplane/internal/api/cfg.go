package api

// Config is the configuration of the management API server.
type Config struct {
	// Endpoint is the TCP endpoint the gRPC server is exposed on.
	Endpoint string `yaml:"endpoint"`
}

func DefaultConfig() *Config {
	return &Config{
		Endpoint: "[::1]:9917",
	}
}
