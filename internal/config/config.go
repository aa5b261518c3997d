// Package config loads the device's JSON configuration file (spec.md §6).
// Parsing is deliberately lenient: unknown fields are ignored (the default
// behavior of encoding/json.Unmarshal into a struct) and a fallback config
// file, when present, is merged underneath the primary one field-by-field.
package config

import (
	"encoding/json"
	"os"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// Config mirrors the JSON document described in spec.md §6.
type Config struct {
	RootfsPartA        string `json:"RootfsPartA,omitempty"`
	RootfsPartB        string `json:"RootfsPartB,omitempty"`
	ServerURL          string `json:"ServerURL"`
	ServerCertificate  string `json:"ServerCertificate,omitempty"`
	TenantToken        string `json:"TenantToken,omitempty"`
	DeviceTypeFile     string `json:"DeviceTypeFile,omitempty"`
	ArtifactScriptsPath string `json:"ArtifactScriptsPath,omitempty"`
	IdentityScript     string `json:"IdentityScript,omitempty"`
	InventoryScript    string `json:"InventoryScript,omitempty"`

	// StateStoreRedisURL selects the kvstore.Store backend (spec.md's
	// DOMAIN STACK "small Backend interface selected by a config string").
	// Empty means the default single-file Backend; set to a
	// redis://[:password@]host:port/db URL to keep the updater daemon's
	// state in Redis instead. The authenticator daemon opens no store.
	StateStoreRedisURL string `json:"StateStoreRedisURL,omitempty"`
}

// Load reads the primary config file at path, then — if fallbackPath is
// non-empty and exists — reads it too and merges its values underneath the
// primary: any field left empty by the primary is filled in from the
// fallback. A missing primary file is an error; a missing fallback is not.
func Load(path, fallbackPath string) (*Config, error) {
	primary, err := readFile(path)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindSetup, err, "loading config file "+path)
	}

	if fallbackPath != "" {
		if fallback, err := readFile(fallbackPath); err == nil {
			primary.mergeMissing(fallback)
		} else if !os.IsNotExist(err) {
			return nil, mendererrors.Wrap(mendererrors.KindSetup, err, "loading fallback config file "+fallbackPath)
		}
	}

	return primary, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeMissing fills every empty string field of c from other.
func (c *Config) mergeMissing(other *Config) {
	if c.RootfsPartA == "" {
		c.RootfsPartA = other.RootfsPartA
	}
	if c.RootfsPartB == "" {
		c.RootfsPartB = other.RootfsPartB
	}
	if c.ServerURL == "" {
		c.ServerURL = other.ServerURL
	}
	if c.ServerCertificate == "" {
		c.ServerCertificate = other.ServerCertificate
	}
	if c.TenantToken == "" {
		c.TenantToken = other.TenantToken
	}
	if c.DeviceTypeFile == "" {
		c.DeviceTypeFile = other.DeviceTypeFile
	}
	if c.ArtifactScriptsPath == "" {
		c.ArtifactScriptsPath = other.ArtifactScriptsPath
	}
	if c.IdentityScript == "" {
		c.IdentityScript = other.IdentityScript
	}
	if c.InventoryScript == "" {
		c.InventoryScript = other.InventoryScript
	}
	if c.StateStoreRedisURL == "" {
		c.StateStoreRedisURL = other.StateStoreRedisURL
	}
}

// Validate checks the fields required for daemon startup.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return mendererrors.New(mendererrors.KindSetup, "ServerURL is required")
	}
	if c.IdentityScript == "" {
		return mendererrors.New(mendererrors.KindSetup, "IdentityScript is required")
	}
	return nil
}
