// Package license issues, activates and revokes device-bound license keys.
package license

import (
	"sort"
	"strings"

	apperrors "trial-license-system/internal/errors"
)

// Type is a license tier. The set is closed; use ParseType at the boundary.
type Type string

const (
	TypeStarter      Type = "STARTER"
	TypeBusiness     Type = "BUSINESS"
	TypeProfessional Type = "PROFESSIONAL"
	TypeEnterprise   Type = "ENTERPRISE"
)

// Plan is what a tier grants.
type Plan struct {
	Credits        int   `json:"credits"`
	DurationMonths int   `json:"duration_months"`
	PriceCents     int64 `json:"price_cents"`
}

var plans = map[Type]Plan{
	TypeStarter:      {Credits: 1000, DurationMonths: 1, PriceCents: 2900},
	TypeBusiness:     {Credits: 5000, DurationMonths: 6, PriceCents: 9900},
	TypeProfessional: {Credits: 15000, DurationMonths: 12, PriceCents: 24900},
	TypeEnterprise:   {Credits: 50000, DurationMonths: 12, PriceCents: 79900},
}

// Plan returns the grant of the tier. ok is false for a value outside the
// table.
func (t Type) Plan() (Plan, bool) {
	p, ok := plans[t]
	return p, ok
}

func ParseType(name string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := plans[t]; !ok {
		return "", apperrors.Newf(apperrors.KindValidation, "license.ParseType", "unknown license type %q", name)
	}
	return t, nil
}

// Types lists the tiers, cheapest first.
func Types() []Type {
	out := make([]Type, 0, len(plans))
	for t := range plans {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return plans[out[i]].PriceCents < plans[out[j]].PriceCents })
	return out
}
