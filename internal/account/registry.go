package account

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryEntry is one identity as described in the YAML bootstrap file.
// The registry is read-only input: there is no API that writes it back,
// only Load at startup.
type registryEntry struct {
	ID           string                 `yaml:"id"`
	Name         string                 `yaml:"name"`
	AuthMethod   string                 `yaml:"authMethod"`
	RefreshToken string                 `yaml:"refreshToken"`
	Priority     int                    `yaml:"priority"`
	Ext          map[string]interface{} `yaml:"ext"`
}

type registryFile struct {
	Identities []registryEntry `yaml:"identities"`
}

// LoadRegistry reads the YAML identity registry at path and registers any
// entry not already present in the store. Existing identities (matched by
// id) are left untouched — the registry seeds the pool, it does not
// overwrite credentials a refresh has since rotated.
func LoadRegistry(ctx context.Context, as *Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("account: read registry %s: %w", path, err)
	}

	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, fmt.Errorf("account: parse registry %s: %w", path, err)
	}

	added := 0
	for _, e := range rf.Identities {
		if e.ID == "" {
			continue
		}
		existing, err := as.Get(ctx, e.ID)
		if err != nil {
			return added, fmt.Errorf("account: check identity %s: %w", e.ID, err)
		}
		if existing != nil {
			continue
		}
		priority := e.Priority
		if priority == 0 {
			priority = 50
		}
		if _, err := as.Register(ctx, e.ID, e.Name, AuthMethod(e.AuthMethod), e.RefreshToken, priority, e.Ext); err != nil {
			return added, fmt.Errorf("account: register identity %s: %w", e.ID, err)
		}
		added++
	}
	return added, nil
}
