package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"kasirinaja/till/internal/domain"
	"kasirinaja/till/internal/pos"
)

type policyFile struct {
	DefaultRole string                           `yaml:"default_role"`
	Roles       map[string]domain.DiscountPolicy `yaml:"roles"`
}

// LoadPolicyTable returns the fallback discount table used when the backend
// cannot supply one. An empty path yields the built-in table.
func LoadPolicyTable(path string) (pos.PolicyTable, error) {
	if path == "" {
		return pos.BuiltinPolicyTable(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return pos.PolicyTable{}, fmt.Errorf("read discount policy file: %w", err)
	}
	return ParsePolicyTable(raw)
}

func ParsePolicyTable(raw []byte) (pos.PolicyTable, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return pos.PolicyTable{}, fmt.Errorf("parse discount policy file: %w", err)
	}
	return pos.NewPolicyTable(file.DefaultRole, file.Roles)
}
