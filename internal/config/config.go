// Package config loads and persists the local participant identity.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Identity is the locally stored participant identity. The user id is
// generated once and reused so anchors created across runs stay attributable
// to the same participant.
type Identity struct {
	DisplayName string `toml:"display_name"`
	UserID      string `toml:"user_id"`
}

// DefaultPath returns the identity file location under the user config dir.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "reasonance", "identity.toml"), nil
}

// Load reads the identity at path, creating it with defaults when missing.
// A missing display name or user id in an existing file is filled in and
// written back.
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Identity{}, fmt.Errorf("read identity: %w", err)
		}
		identity := Identity{
			DisplayName: defaultDisplayName(),
			UserID:      uuid.NewString(),
		}
		if err := Save(path, identity); err != nil {
			return Identity{}, err
		}
		return identity, nil
	}

	var identity Identity
	if err := toml.Unmarshal(data, &identity); err != nil {
		return Identity{}, fmt.Errorf("parse identity %s: %w", path, err)
	}
	changed := false
	if identity.DisplayName == "" {
		identity.DisplayName = defaultDisplayName()
		changed = true
	}
	if identity.UserID == "" {
		identity.UserID = uuid.NewString()
		changed = true
	}
	if changed {
		if err := Save(path, identity); err != nil {
			return Identity{}, err
		}
	}
	return identity, nil
}

// Save writes the identity atomically: to a temp file in the same directory,
// then renamed over the destination.
func Save(path string, identity Identity) error {
	if identity.DisplayName == "" {
		return fmt.Errorf("display name must not be empty")
	}
	data, err := toml.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.toml")
	if err != nil {
		return fmt.Errorf("create temp identity: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close identity: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install identity: %w", err)
	}
	return nil
}

// SetDisplayName updates the stored display name, preserving the user id.
func SetDisplayName(path, name string) (Identity, error) {
	identity, err := Load(path)
	if err != nil {
		return Identity{}, err
	}
	identity.DisplayName = name
	if err := Save(path, identity); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func defaultDisplayName() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err == nil && host != "" {
		return host
	}
	return "participant"
}
