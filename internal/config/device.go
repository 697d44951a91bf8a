package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// IDGenerator produces device ids.
// Implemented by UUIDv7Generator (production) and testutil.FixedIDGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 device ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// EnsureDeviceID gives the config a device id when it has none, and writes
// the new id back to path so every later run of this install reuses it.
// An empty path keeps the id in memory only.
func (c *Config) EnsureDeviceID(path string, gen IDGenerator) (string, error) {
	if c.DeviceID != "" {
		return c.DeviceID, nil
	}
	c.DeviceID = gen.Generate()
	if path == "" {
		return c.DeviceID, nil
	}
	if err := writeDeviceID(path, c.DeviceID); err != nil {
		return "", err
	}
	return c.DeviceID, nil
}

// writeDeviceID sets device_id in the YAML file at path, keeping the rest
// of the document as written.
func writeDeviceID(path, id string) error {
	var doc yaml.Node
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config %s: top level is not a mapping", path)
	}

	set := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "device_id" {
			root.Content[i+1].SetString(id)
			set = true
			break
		}
	}
	if !set {
		key := &yaml.Node{}
		key.SetString("device_id")
		val := &yaml.Node{}
		val.SetString(id)
		root.Content = append(root.Content, key, val)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
