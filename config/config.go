// Copyright 2024 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Snug's optional YAML configuration file (spec
// §6) with gopkg.in/yaml.v2, the same decoder the teacher's top-level
// config package uses for its own YAML-backed settings. It also
// resolves the SNUG_STORAGE environment variable and the default
// storage root.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/dolthub/snug/snugerr"
)

// VolumeType names a storage tier (spec §3's StorageLocation.volumeType).
type VolumeType string

const (
	VolumePrimary   VolumeType = "primary"
	VolumeSecondary VolumeType = "secondary"
	VolumeGlacier   VolumeType = "glacier"
	VolumeMirror    VolumeType = "mirror"
)

// StorageLocation is one configured storage tier.
type StorageLocation struct {
	Path       string     `yaml:"path"`
	Label      string     `yaml:"label,omitempty"`
	Required   bool       `yaml:"required,omitempty"`
	Priority   int        `yaml:"priority"`
	Speed      string     `yaml:"speed,omitempty"`
	VolumeType VolumeType `yaml:"volumeType"`
}

// Config is the top-level YAML configuration schema (spec §6).
type Config struct {
	StorageLocations         []StorageLocation `yaml:"storageLocations,omitempty"`
	DefaultHashAlgorithm     string            `yaml:"defaultHashAlgorithm,omitempty"`
	EnableMirroring          bool              `yaml:"enableMirroring,omitempty"`
	MirrorLocations          []string          `yaml:"mirrorLocations,omitempty"`
	FailIfPrimaryUnavailable *bool             `yaml:"failIfPrimaryUnavailable,omitempty"`
}

// FailIfPrimaryUnavailableOrDefault returns the configured value, or
// true (the spec's documented default) when the key was omitted.
func (c Config) FailIfPrimaryUnavailableOrDefault() bool {
	if c.FailIfPrimaryUnavailable == nil {
		return true
	}
	return *c.FailIfPrimaryUnavailable
}

// Load decodes the YAML config file at path. A missing file returns a
// zero Config, not an error: the configuration file is optional.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, snugerr.New(snugerr.KindStorageError, path, "", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, snugerr.New(snugerr.KindStorageError, path, "config file is not valid YAML", err)
	}
	return cfg, nil
}

// EnvStorage is the environment variable that overrides the default
// storage root (spec §6).
const EnvStorage = "SNUG_STORAGE"

// DefaultStorageDir resolves Snug's storage root: SNUG_STORAGE if set,
// otherwise ~/.snug.
func DefaultStorageDir() (string, error) {
	if v := os.Getenv(EnvStorage); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", snugerr.New(snugerr.KindStorageError, "", "set SNUG_STORAGE or ensure $HOME is set", err)
	}
	return filepath.Join(home, ".snug"), nil
}

// SortedByPriority returns locs sorted ascending by Priority, the order
// spec §3 says the primary (lowest priority among available locations)
// is chosen from.
func SortedByPriority(locs []StorageLocation) []StorageLocation {
	out := append([]StorageLocation(nil), locs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
