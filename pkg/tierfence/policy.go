package tierfence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tierfence/tierfence/core"
)

// Role is the subscription tier a caller is admitted under.
type Role string

const (
	RoleAnonymous    Role = "anonymous"
	RoleFree         Role = "free"
	RoleProfessional Role = "professional"
	RoleBusiness     Role = "business"
	RoleEnterprise   Role = "enterprise"
	RoleAdmin        Role = "admin"
)

// DefaultWindow is the window every default tier capacity is expressed over.
const DefaultWindow = time.Minute

var knownRoles = []Role{
	RoleAnonymous,
	RoleFree,
	RoleProfessional,
	RoleBusiness,
	RoleEnterprise,
	RoleAdmin,
}

var roleAliases = map[string]Role{
	"pro": RoleProfessional,
}

// Roles returns every known role, lowest tier first.
func Roles() []Role {
	out := make([]Role, len(knownRoles))
	copy(out, knownRoles)
	return out
}

// LookupRole resolves a role name strictly. It accepts the "pro" alias and
// ignores case and surrounding space; anything else is ErrUnknownRole.
func LookupRole(name string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := roleAliases[normalized]; ok {
		return alias, nil
	}
	for _, r := range knownRoles {
		if string(r) == normalized {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// ParseRole resolves a role name leniently: unknown or empty names fall back
// to RoleAnonymous. This is what request paths use.
func ParseRole(name string) Role {
	r, err := LookupRole(name)
	if err != nil {
		return RoleAnonymous
	}
	return r
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range knownRoles {
		if r == known {
			return true
		}
	}
	return false
}

// TierPolicy is the admission budget of one role: Capacity requests per Window,
// refilled continuously.
type TierPolicy struct {
	Capacity int64
	Window   time.Duration
}

// RefillRate returns the refill rate in tokens per second.
func (p TierPolicy) RefillRate() float64 {
	return float64(p.Capacity) / p.Window.Seconds()
}

// Validate checks if a TierPolicy is usable.
func (p TierPolicy) Validate() error {
	if p.Capacity <= 0 {
		return ErrNonPositiveCapacity
	}
	if p.Window <= 0 {
		return ErrNonPositiveWindow
	}
	return nil
}

func (p TierPolicy) bucketConfig() core.Config {
	return core.Config{
		Capacity:     float64(p.Capacity),
		RefillPerSec: p.RefillRate(),
	}
}

// DefaultTierPolicies returns the default tier table, requests per minute.
func DefaultTierPolicies() map[Role]TierPolicy {
	return map[Role]TierPolicy{
		RoleAnonymous:    {Capacity: 10, Window: DefaultWindow},
		RoleFree:         {Capacity: 60, Window: DefaultWindow},
		RoleProfessional: {Capacity: 120, Window: DefaultWindow},
		RoleBusiness:     {Capacity: 300, Window: DefaultWindow},
		RoleEnterprise:   {Capacity: 1000, Window: DefaultWindow},
		RoleAdmin:        {Capacity: 10000, Window: DefaultWindow},
	}
}

// PolicyTable is the immutable role -> policy mapping. It is safe for
// concurrent use because nothing mutates it after NewPolicyTable returns.
type PolicyTable struct {
	policies map[Role]TierPolicy
}

// NewPolicyTable builds a table holding exactly one valid policy per known role.
func NewPolicyTable(policies map[Role]TierPolicy) (*PolicyTable, error) {
	table := &PolicyTable{policies: make(map[Role]TierPolicy, len(knownRoles))}

	for role, policy := range policies {
		if !role.Valid() {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownRole, role)
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: tier %s: %w", ErrInvalidConfig, role, err)
		}
		table.policies[role] = policy
	}

	var missing []string
	for _, role := range knownRoles {
		if _, ok := table.policies[role]; !ok {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing tier policies: %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}

	return table, nil
}

// DefaultPolicyTable returns the table built from DefaultTierPolicies.
func DefaultPolicyTable() *PolicyTable {
	table, err := NewPolicyTable(DefaultTierPolicies())
	if err != nil {
		panic(err)
	}
	return table
}

// Lookup returns the policy for role. Unknown roles get the anonymous policy.
func (t *PolicyTable) Lookup(role Role) TierPolicy {
	if p, ok := t.policies[role]; ok {
		return p
	}
	return t.policies[RoleAnonymous]
}

// Policies returns a copy of the table.
func (t *PolicyTable) Policies() map[Role]TierPolicy {
	out := make(map[Role]TierPolicy, len(t.policies))
	for role, p := range t.policies {
		out[role] = p
	}
	return out
}
