package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/marketflow/internal/domain"
)

// Column describes one target column of a schema contract.
type Column struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // str, int, bigint, float, bool, date, datetime, list, dict
	Nullable    bool   `yaml:"nullable"`
	SourceAlias string `yaml:"source_alias"` // raw field name; empty means same as Name
}

// SchemaContract maps one dataset's raw rows onto a typed Silver table.
// Contracts are data, not code: the whole per-dataset mapping family lives
// in one YAML file. A contract with no explicit columns names a registered
// type-mapper instead.
type SchemaContract struct {
	Dataset       string   `yaml:"dataset"`
	Discriminator string   `yaml:"discriminator"`
	Key           string   `yaml:"key"`
	Table         string   `yaml:"table"`
	RequiresKey   bool     `yaml:"requires_key"`
	Columns       []Column `yaml:"columns"`
	BusinessKeys  []string `yaml:"business_keys"`
	Mapper        string   `yaml:"mapper"` // type-mapper name when Columns is empty
}

// TableName returns the target table, defaulting to silver_<dataset> with
// dashes flattened.
func (c *SchemaContract) TableName() string {
	if c.Table != "" {
		return c.Table
	}
	name := make([]rune, 0, len(c.Dataset))
	for _, r := range c.Dataset {
		if r == '-' || r == '.' || r == ' ' {
			r = '_'
		}
		name = append(name, r)
	}
	return "silver_" + string(name)
}

// MissingContractError reports that no schema contract matched an identity.
type MissingContractError struct {
	Identity domain.UnitIdentity
}

func (e *MissingContractError) Error() string {
	return fmt.Sprintf("no schema contract for %s", e.Identity)
}

// KeyRequiredError reports a contract that requires a key applied to a
// keyless identity.
type KeyRequiredError struct {
	Dataset string
}

func (e *KeyRequiredError) Error() string {
	return fmt.Sprintf("schema contract for %s requires a key but none is present", e.Dataset)
}

// ContractSet resolves schema contracts by unit identity.
type ContractSet struct {
	contracts []SchemaContract
}

type contractsFile struct {
	Contracts []SchemaContract `yaml:"contracts"`
}

// LoadContracts reads the schema contract file.
func LoadContracts(path string) (*ContractSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts %s: %w", path, err)
	}
	return ParseContracts(data)
}

// ParseContracts builds a contract set from raw YAML.
func ParseContracts(data []byte) (*ContractSet, error) {
	var file contractsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse contracts: %w", err)
	}
	for _, c := range file.Contracts {
		if c.Dataset == "" {
			return nil, fmt.Errorf("schema contract without a dataset")
		}
		if len(c.Columns) == 0 && c.Mapper == "" {
			return nil, fmt.Errorf("schema contract %s has neither columns nor a mapper", c.Dataset)
		}
	}
	return &ContractSet{contracts: file.Contracts}, nil
}

// NewContractSet wraps explicit contracts. Used by tests.
func NewContractSet(contracts ...SchemaContract) *ContractSet {
	return &ContractSet{contracts: contracts}
}

// Resolve finds the contract for an identity with three fallback attempts:
// exact match, match ignoring the run-scoped discriminator, match ignoring
// the key. Returns *MissingContractError when nothing matches and
// *KeyRequiredError when the matched contract demands a key the identity
// lacks.
func (s *ContractSet) Resolve(id domain.UnitIdentity) (*SchemaContract, error) {
	match := s.find(func(c *SchemaContract) bool {
		return c.Dataset == id.Dataset && c.Discriminator == id.Discriminator && c.Key == id.Key
	})
	if match == nil {
		match = s.find(func(c *SchemaContract) bool {
			return c.Dataset == id.Dataset && c.Discriminator == "" && c.Key == id.Key
		})
	}
	if match == nil {
		match = s.find(func(c *SchemaContract) bool {
			return c.Dataset == id.Dataset && c.Discriminator == "" && c.Key == ""
		})
	}
	if match == nil {
		return nil, &MissingContractError{Identity: id}
	}
	if match.RequiresKey && id.Key == "" {
		return nil, &KeyRequiredError{Dataset: match.Dataset}
	}
	return match, nil
}

func (s *ContractSet) find(pred func(*SchemaContract) bool) *SchemaContract {
	for i := range s.contracts {
		if pred(&s.contracts[i]) {
			c := s.contracts[i]
			return &c
		}
	}
	return nil
}
