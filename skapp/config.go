/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package skapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tracesketch/tracesketch/sketch"
)

const (
	DefaultListenAddr = "127.0.0.1:5601"

	configFilename = "config.json"
)

// Config is the server configuration, persisted as JSON in the data
// directory. Zero values select defaults.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen,omitempty"`

	// DataDir holds the metadata store and config file.
	DataDir string `json:"data_dir,omitempty"`

	// OpenSearch holds event store connection settings.
	OpenSearch OpenSearchConfig `json:"opensearch,omitempty"`

	// DefaultSize is the explore page size when the client asks for none.
	DefaultSize int `json:"default_size,omitempty"`

	// StreamLimit caps page sizes on streaming queries.
	StreamLimit int `json:"stream_limit,omitempty"`

	// ExportSlices is the sliced-export fan-out.
	ExportSlices int `json:"export_slices,omitempty"`

	// FlushInterval is the bulk ingest flush threshold, in actions.
	FlushInterval int `json:"flush_interval,omitempty"`

	// ProtectedLabels block archive and delete of sketches carrying them.
	ProtectedLabels []string `json:"protected_labels,omitempty"`
}

// OpenSearchConfig is the event store connection block.
type OpenSearchConfig struct {
	Addresses []string `json:"addresses,omitempty"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	PoolSize  int      `json:"pool_size,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: DefaultListenAddr,
		OpenSearch: OpenSearchConfig{
			Addresses: []string{"http://127.0.0.1:9200"},
		},
		ProtectedLabels: []string{"protected"},
	}
}

// LoadConfig reads the config file from dataDir, or returns defaults
// when none exists yet. An empty dataDir selects the platform default.
func LoadConfig(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	cfg := defaultConfig()
	cfg.DataDir = dataDir

	path := filepath.Join(dataDir, configFilename)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.DataDir = dataDir
	cfg.fillDefaults()
	return cfg, nil
}

func (cfg *Config) fillDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListenAddr
	}
	if len(cfg.OpenSearch.Addresses) == 0 {
		cfg.OpenSearch.Addresses = []string{"http://127.0.0.1:9200"}
	}
}

// Save writes the config file into the data directory.
func (cfg *Config) Save() error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "\t")
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, configFilename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// DefaultDataDir returns the platform-conventional data directory.
func DefaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "tracesketch")
	}
	return ".tracesketch"
}

func (cfg *Config) serviceOptions() sketch.Options {
	return sketch.Options{
		DefaultSize:     cfg.DefaultSize,
		StreamLimit:     cfg.StreamLimit,
		ExportSlices:    cfg.ExportSlices,
		FlushInterval:   cfg.FlushInterval,
		ProtectedLabels: cfg.ProtectedLabels,
	}
}
