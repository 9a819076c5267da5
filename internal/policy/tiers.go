package policy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/docflow/internal/crypto"
	"github.com/davidahmann/docflow/pkg/types"
)

//go:embed default_tiers.yaml
var defaultTiersYAML []byte

const defaultKey = "default"

// Tiers lists, per policy, the organizational roles that become steps, in order.
type Tiers struct {
	PolicyID       string              `yaml:"policy_id"`
	PolicyVersion  string              `yaml:"policy_version"`
	Sequential     []string            `yaml:"sequential"`
	Parallel       []string            `yaml:"parallel"`
	Conditional    []string            `yaml:"conditional"`
	Delegatable    []string            `yaml:"delegatable"`
	Complex        []string            `yaml:"complex"`
	CrossBranch    []string            `yaml:"cross_branch"`
	Alternate      AlternateTiers      `yaml:"alternate"`
	Branches       map[string][]string `yaml:"branches"`
	DocumentTypes  map[string][]string `yaml:"document_types"`
	SecurityLevels map[string][]string `yaml:"security_levels"`
}

type AlternateTiers struct {
	Roles      []string          `yaml:"roles"`
	Alternates map[string]string `yaml:"alternates"`
}

type LoadedTiers struct {
	Tiers Tiers
	Hash  string
	Bytes []byte
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() LoadedTiers {
	loaded, err := parseTiers(defaultTiersYAML)
	if err != nil {
		panic(fmt.Sprintf("default tiers: %v", err))
	}
	return loaded
}

// LoadTiers loads a YAML tier table and computes its hash from raw bytes.
func LoadTiers(path string) (LoadedTiers, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return LoadedTiers{}, err
	}
	return parseTiers(data)
}

func parseTiers(data []byte) (LoadedTiers, error) {
	var t Tiers
	if err := yaml.Unmarshal(data, &t); err != nil {
		return LoadedTiers{}, err
	}
	if err := t.Validate(); err != nil {
		return LoadedTiers{}, err
	}
	return LoadedTiers{Tiers: t, Hash: crypto.DigestWithPrefix(data), Bytes: data}, nil
}

func (t Tiers) Validate() error {
	named := map[string][]string{
		"sequential":      t.Sequential,
		"parallel":        t.Parallel,
		"conditional":     t.Conditional,
		"delegatable":     t.Delegatable,
		"complex":         t.Complex,
		"cross_branch":    t.CrossBranch,
		"alternate.roles": t.Alternate.Roles,
	}
	for name, roles := range named {
		if len(roles) == 0 {
			return fmt.Errorf("tiers.%s must list at least one role", name)
		}
		if err := checkRoles(name, roles); err != nil {
			return err
		}
	}
	for name, table := range map[string]map[string][]string{
		"branches":        t.Branches,
		"document_types":  t.DocumentTypes,
		"security_levels": t.SecurityLevels,
	} {
		for key, roles := range table {
			if err := checkRoles(name+"."+key, roles); err != nil {
				return err
			}
		}
	}
	for _, level := range []types.SecurityLevel{types.SecurityGeneral, types.SecurityConfidential, types.SecuritySecret, types.SecurityTopSecret} {
		if len(t.SecurityLevels[string(level)]) == 0 {
			return fmt.Errorf("tiers.security_levels.%s is required", level)
		}
	}
	for from, to := range t.Alternate.Alternates {
		if types.RoleRank(from) == 0 || types.RoleRank(to) == 0 {
			return fmt.Errorf("tiers.alternate.alternates: unknown role in %s -> %s", from, to)
		}
	}
	return nil
}

func checkRoles(name string, roles []string) error {
	for _, role := range roles {
		if types.RoleRank(role) == 0 {
			return fmt.Errorf("tiers.%s: unknown role %q", name, role)
		}
	}
	return nil
}

// forKey returns table[key], falling back to the default entry and then to fallback.
func forKey(table map[string][]string, key string, fallback []string) []string {
	if roles, ok := table[key]; ok && len(roles) > 0 {
		return roles
	}
	if roles, ok := table[defaultKey]; ok && len(roles) > 0 {
		return roles
	}
	return fallback
}
