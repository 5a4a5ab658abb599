// Package threshold holds the spend tier configuration and the pure
// validator that classifies an expense against it.
package threshold

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Role is an approver authority tier.
type Role string

const (
	RoleFinanceController Role = "fc"
	RoleGeneralManager    Role = "gm"
	RoleCEO               Role = "ceo"
)

var knownRoles = map[Role]int{
	RoleFinanceController: 1,
	RoleGeneralManager:    2,
	RoleCEO:               3,
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	_, ok := knownRoles[r]
	return r, ok
}

// RoleSet is an ordered set of roles without duplicates.
type RoleSet []Role

// NewRoleSet builds a RoleSet, dropping duplicates and keeping first-seen order.
func NewRoleSet(roles ...Role) RoleSet {
	seen := make(map[Role]struct{}, len(roles))
	out := make(RoleSet, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Contains reports membership.
func (s RoleSet) Contains(r Role) bool {
	for _, x := range s {
		if x == r {
			return true
		}
	}
	return false
}

// Minus returns the roles of s not present in other, preserving order.
func (s RoleSet) Minus(other RoleSet) RoleSet {
	out := make(RoleSet, 0, len(s))
	for _, r := range s {
		if !other.Contains(r) {
			out = append(out, r)
		}
	}
	return out
}

// Strings converts the set for storage.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// RoleSetFromStrings converts stored values back into a RoleSet.
func RoleSetFromStrings(values []string) RoleSet {
	roles := make([]Role, len(values))
	for i, v := range values {
		roles[i] = Role(v)
	}
	return NewRoleSet(roles...)
}

// Tier is one rung of an escalation ladder. A nil Ceiling is unbounded.
type Tier struct {
	Ceiling *int64  `yaml:"ceiling,omitempty"`
	Roles   RoleSet `yaml:"roles"`
}

// Covers reports whether amount falls within the tier's ceiling.
func (t Tier) Covers(amount int64) bool {
	return t.Ceiling == nil || amount <= *t.Ceiling
}

// Category is the per-category spend policy.
type Category struct {
	AutoApproveLimit     int64  `yaml:"auto_approve_limit"`
	MaxAmount            int64  `yaml:"max_amount,omitempty"`
	Frozen               bool   `yaml:"frozen,omitempty"`
	RequireJustification bool   `yaml:"require_justification,omitempty"`
	Critical             bool   `yaml:"critical,omitempty"`
	Ladder               []Tier `yaml:"ladder,omitempty"`
}

// Table is the immutable tier configuration. It is safe for concurrent reads.
type Table struct {
	Ladder     []Tier              `yaml:"ladder"`
	Categories map[string]Category `yaml:"categories"`
}

func ceiling(v int64) *int64 { return &v }

// DefaultTable returns the built-in configuration: up to 15,000 needs the
// finance controller, up to 50,000 the general manager, anything above the CEO.
func DefaultTable() *Table {
	ladder := []Tier{
		{Ceiling: ceiling(15000), Roles: RoleSet{RoleFinanceController}},
		{Ceiling: ceiling(50000), Roles: RoleSet{RoleGeneralManager}},
		{Roles: RoleSet{RoleCEO}},
	}
	return &Table{
		Ladder: ladder,
		Categories: map[string]Category{
			"logistics":       {AutoApproveLimit: 10000},
			"fuel":            {AutoApproveLimit: 5000},
			"maintenance":     {AutoApproveLimit: 7500},
			"office_supplies": {AutoApproveLimit: 2500, MaxAmount: 100000},
			"marketing":       {AutoApproveLimit: 5000, RequireJustification: true},
			"inventory":       {AutoApproveLimit: 10000, Critical: true},
			"payroll_advance": {AutoApproveLimit: 0, MaxAmount: 200000, RequireJustification: true, Critical: true},
		},
	}
}

// LoadTable reads a YAML tier table from path.
func LoadTable(path string) (*Table, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "threshold: read %s", path)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML tier table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "threshold: decode tier table")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks ladder ordering and role names.
func (t *Table) Validate() error {
	if len(t.Categories) == 0 {
		return eris.New("threshold: no categories configured")
	}
	if err := validateLadder("default", t.Ladder); err != nil {
		return err
	}
	for name, c := range t.Categories {
		if c.AutoApproveLimit < 0 {
			return eris.Errorf("threshold: category %s: auto_approve_limit must not be negative", name)
		}
		if c.MaxAmount > 0 && c.MaxAmount < c.AutoApproveLimit {
			return eris.Errorf("threshold: category %s: max_amount below auto_approve_limit", name)
		}
		if len(c.Ladder) > 0 {
			if err := validateLadder(name, c.Ladder); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLadder(name string, ladder []Tier) error {
	if len(ladder) == 0 {
		return eris.Errorf("threshold: %s ladder is empty", name)
	}
	var prev int64 = -1
	for i, tier := range ladder {
		if len(tier.Roles) == 0 {
			return eris.Errorf("threshold: %s tier %d has no roles", name, i)
		}
		for _, r := range tier.Roles {
			if _, ok := knownRoles[r]; !ok {
				return eris.Errorf("threshold: %s tier %d has unknown role %q", name, i, r)
			}
		}
		if tier.Ceiling == nil {
			if i != len(ladder)-1 {
				return eris.Errorf("threshold: %s tier %d is unbounded but not last", name, i)
			}
			continue
		}
		if *tier.Ceiling <= prev {
			return eris.Errorf("threshold: %s ladder ceilings must ascend", name)
		}
		prev = *tier.Ceiling
	}
	return nil
}

// CategoryNames lists configured categories in sorted order.
func (t *Table) CategoryNames() []string {
	names := make([]string, 0, len(t.Categories))
	for name := range t.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) ladderFor(c Category) []Tier {
	if len(c.Ladder) > 0 {
		return c.Ladder
	}
	return t.Ladder
}
