// mlsmeow - Group session orchestration over a membership-agnostic relay.
// Copyright (C) 2026 mlsmeow contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Database dbutil.Config     `yaml:"database"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	ReadLimit      int64         `yaml:"read_limit"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PeerQueueSize  int           `yaml:"peer_queue_size"`
	MaxPackageSize int64         `yaml:"max_package_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

var ErrInvalidConfig = errors.New("invalid config")

// Default returns the config described by the embedded example config.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	return &cfg, nil
}

// Parse reads a config on top of the defaults, so keys missing from data keep
// their example values.
func Parse(data []byte) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Server.Listen == "":
		return fmt.Errorf("%w: server.listen must be set", ErrInvalidConfig)
	case cfg.Server.ReadLimit <= 0:
		return fmt.Errorf("%w: server.read_limit must be positive", ErrInvalidConfig)
	case cfg.Server.WriteTimeout <= 0:
		return fmt.Errorf("%w: server.write_timeout must be positive", ErrInvalidConfig)
	case cfg.Server.PeerQueueSize <= 0:
		return fmt.Errorf("%w: server.peer_queue_size must be positive", ErrInvalidConfig)
	case cfg.Server.MaxPackageSize <= 0:
		return fmt.Errorf("%w: server.max_package_size must be positive", ErrInvalidConfig)
	}
	switch cfg.Database.Type {
	case "memory":
	case "sqlite3", "postgres":
		if cfg.Database.URI == "" {
			return fmt.Errorf("%w: database.uri is required for %s", ErrInvalidConfig, cfg.Database.Type)
		}
	default:
		return fmt.Errorf("%w: unknown database.type %q", ErrInvalidConfig, cfg.Database.Type)
	}
	if cfg.Database.Type != "memory" && (cfg.Database.MaxOpenConns < 0 || cfg.Database.MaxIdleConns < 0) {
		return fmt.Errorf("%w: database connection limits can't be negative", ErrInvalidConfig)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == cfg.Server.Listen {
		return fmt.Errorf("%w: metrics.listen must differ from server.listen, leave it empty to share the listener", ErrInvalidConfig)
	}
	return nil
}
