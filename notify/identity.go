package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IdentityDirectory maps a query user to a Slack member id.
type IdentityDirectory interface {
	Lookup(user string) (string, bool)
}

// StaticDirectory is an immutable in-memory IdentityDirectory.
type StaticDirectory struct {
	ids map[string]string
}

// NewStaticDirectory copies mappings.
func NewStaticDirectory(mappings map[string]string) *StaticDirectory {
	ids := make(map[string]string, len(mappings))
	for user, id := range mappings {
		if user != "" && id != "" {
			ids[user] = id
		}
	}
	return &StaticDirectory{ids: ids}
}

// LoadStaticDirectory reads a YAML document of user: slack_id pairs from path
// and overlays overrides on top of it. An empty path uses overrides only.
func LoadStaticDirectory(path string, overrides map[string]string) (*StaticDirectory, error) {
	merged := make(map[string]string)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read user mappings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &merged); err != nil {
			return nil, fmt.Errorf("failed to parse user mappings file %s: %w", path, err)
		}
	}
	for user, id := range overrides {
		merged[user] = id
	}
	return NewStaticDirectory(merged), nil
}

// Lookup returns the Slack id for user.
func (d *StaticDirectory) Lookup(user string) (string, bool) {
	id, ok := d.ids[user]
	return id, ok
}

// Len returns the number of mapped users.
func (d *StaticDirectory) Len() int {
	return len(d.ids)
}
