package resourceconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// InstanceConfig is the on-disk launch configuration for one resource
// instance: where its EntityStore lives, where its ResourceAccess socket
// is bound, how to spawn it, and the client's reconnect backoff.
type InstanceConfig struct {
	InstanceID  string        `yaml:"instanceId"`
	StorageRoot string        `yaml:"storageRoot"`
	SocketPath  string        `yaml:"socketPath"`
	SpawnBinary string        `yaml:"spawnBinary"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// LoadInstanceConfig reads and parses an InstanceConfig from path.
func LoadInstanceConfig(path string) (*InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resourceconfig: read %s: %w", path, err)
	}
	var cfg InstanceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("resourceconfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating or truncating it.
func (cfg *InstanceConfig) Save(path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("resourceconfig: encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("resourceconfig: write %s: %w", path, err)
	}
	return nil
}
