package extbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one ACP extension agent.
type Manifest struct {
	// Agent is the name conversations select via settings.agent.
	Agent string `yaml:"agent"`

	// Command and Args form the child argv.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// EagerSessionInit creates the ACP session as soon as a conversation
	// saves settings naming this agent, instead of on first turn.
	EagerSessionInit bool `yaml:"eagerSessionInit"`
}

// LoadManifests reads every *.yaml / *.yml manifest in dir. A missing dir
// yields an empty set.
func LoadManifests(dir string) (map[string]Manifest, error) {
	out := make(map[string]Manifest)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read manifest dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", e.Name(), err)
		}
		if m.Agent == "" || m.Command == "" {
			return nil, fmt.Errorf("manifest %s: agent and command are required", e.Name())
		}
		out[m.Agent] = m
	}
	return out, nil
}
