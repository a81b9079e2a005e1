package dgw

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dove-platform/dgw/common/go/logging"
	"github.com/dove-platform/dgw/common/go/xerror"
	"github.com/dove-platform/dgw/controlplane/internal/api"
	"github.com/dove-platform/dgw/controlplane/internal/dataplane"
	"github.com/dove-platform/dgw/controlplane/internal/dps"
	"github.com/dove-platform/dgw/controlplane/internal/ha"
	"github.com/dove-platform/dgw/controlplane/internal/netcfg"
	"github.com/dove-platform/dgw/controlplane/internal/node"
	"github.com/dove-platform/dgw/controlplane/internal/registry"
)

// Config is a validating wrapper around the config struct
// (note the lowercase in the name).
type Config config
type config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Node holds the initial gateway settings.
	Node *node.Config `yaml:"node"`
	// Registry holds the service table capacities and lock retry budget.
	Registry *registry.Config `yaml:"registry"`
	// DPS is the policy service client configuration.
	DPS *dps.Config `yaml:"dps"`
	// HA is the peer heartbeat configuration.
	HA *ha.Config `yaml:"ha"`
	// Dataplane is the forwarding plane channel configuration.
	Dataplane *dataplane.Config `yaml:"dataplane"`
	// Netcfg is the host networking configuration.
	Netcfg *netcfg.Config `yaml:"netcfg"`
	// Persist is the runtime snapshot configuration.
	Persist PersistConfig `yaml:"persist"`
	// API is the management API configuration.
	API *api.Config `yaml:"api"`
	// Metrics is the metrics exposition configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// PersistConfig configures the runtime snapshot.
type PersistConfig struct {
	// Path is the snapshot file; empty disables persistence.
	Path string `yaml:"path"`
	// Watch reapplies the snapshot when it is changed by another writer.
	Watch bool `yaml:"watch"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Endpoint is the HTTP endpoint; empty disables metrics exposition.
	Endpoint string `yaml:"endpoint"`
}

func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		Node:      node.DefaultConfig(),
		Registry:  registry.DefaultConfig(),
		DPS:       dps.DefaultConfig(),
		HA:        ha.DefaultConfig(),
		Dataplane: dataplane.DefaultConfig(),
		Netcfg:    netcfg.DefaultConfig(),
		Persist: PersistConfig{
			Path: "/var/lib/dgw/snapshot.yaml",
		},
		API: api.DefaultConfig(),
		Metrics: MetricsConfig{
			Endpoint: "[::1]:9918",
		},
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// To avoid infinite recursion, the validating wrapper casts itself to the
// private config struct. This allows the decoder to operate on it using the
// default behavior for handling Go structs without an unmarshal method.
func (m *Config) UnmarshalYAML(value *yaml.Node) error {
	err := value.Decode((*config)(m))
	if err != nil {
		return err
	}
	return m.Validate()
}

// Validate validates the gateway configuration.
func (m *Config) Validate() error {
	if m.Node == nil || m.Registry == nil || m.DPS == nil || m.HA == nil ||
		m.Dataplane == nil || m.Netcfg == nil || m.API == nil {
		return fmt.Errorf("%w: a configuration section is null", xerror.ErrConfiguration)
	}

	if ip := m.Node.OverlayIP; ip.IsValid() && !ip.Is4() {
		return fmt.Errorf("%w: overlay IP must be IPv4, got %s", xerror.ErrConfiguration, ip)
	}
	if err := m.Registry.Validate(); err != nil {
		return err
	}
	if m.DPS.MaxMessageSize == 0 {
		return fmt.Errorf("%w: DPS max message size must be positive", xerror.ErrConfiguration)
	}
	if m.DPS.ReanchorPeriod <= 0 || m.DPS.LeaderTimeout <= 0 {
		return fmt.Errorf("%w: DPS periods must be positive", xerror.ErrConfiguration)
	}
	if m.HA.Period <= 0 || m.HA.Timeout <= m.HA.Period {
		return fmt.Errorf("%w: HA timeout %s must exceed the heartbeat period %s",
			xerror.ErrConfiguration, m.HA.Timeout, m.HA.Period)
	}
	if !m.Dataplane.DryRun && m.Dataplane.SocketPath == "" {
		return fmt.Errorf("%w: dataplane socket path is required unless dry_run is set", xerror.ErrConfiguration)
	}
	if m.API.Endpoint == "" {
		return fmt.Errorf("%w: API endpoint is required", xerror.ErrConfiguration)
	}
	if m.Persist.Watch && m.Persist.Path == "" {
		return fmt.Errorf("%w: snapshot watch requires a snapshot path", xerror.ErrConfiguration)
	}
	return nil
}
