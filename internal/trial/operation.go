// Package trial meters device operations against a per-session credit
// balance.
package trial

import (
	"sort"
	"strings"

	apperrors "trial-license-system/internal/errors"
)

// Operation is a metered operation type. The set is closed; use
// ParseOperation at the boundary.
type Operation string

const (
	OpProductView    Operation = "PRODUCT_VIEW"
	OpProductSearch  Operation = "PRODUCT_SEARCH"
	OpInventoryView  Operation = "INVENTORY_VIEW"
	OpReportView     Operation = "REPORT_VIEW"
	OpSaleCreate     Operation = "SALE_CREATE"
	OpProductUpdate  Operation = "PRODUCT_UPDATE"
	OpCustomerCreate Operation = "CUSTOMER_CREATE"
	OpProductCreate  Operation = "PRODUCT_CREATE"
	OpCategoryCreate Operation = "CATEGORY_CREATE"
	OpReportGenerate Operation = "REPORT_GENERATE"
	OpDataExport     Operation = "DATA_EXPORT"
	OpUserCreate     Operation = "USER_CREATE"
	OpSettingsUpdate Operation = "SETTINGS_UPDATE"
)

const (
	// InitialCredits is the grant of a fresh or reset session.
	InitialCredits = 50
	// DefaultCost applies to an Operation value outside the table.
	DefaultCost = 1
)

var costs = map[Operation]int{
	OpProductView:    0,
	OpProductSearch:  0,
	OpInventoryView:  0,
	OpReportView:     0,
	OpSaleCreate:     1,
	OpProductUpdate:  1,
	OpCustomerCreate: 1,
	OpProductCreate:  2,
	OpCategoryCreate: 2,
	OpReportGenerate: 3,
	OpDataExport:     3,
	OpUserCreate:     5,
	OpSettingsUpdate: 10,
}

// Cost returns the credits the operation consumes.
func (o Operation) Cost() int {
	if c, ok := costs[o]; ok {
		return c
	}
	return DefaultCost
}

func (o Operation) Valid() bool {
	_, ok := costs[o]
	return ok
}

func (o Operation) String() string {
	return string(o)
}

// ParseOperation maps a wire name onto an Operation. Names are matched
// case-insensitively; unknown names are a validation error.
func ParseOperation(name string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(name)))
	if !op.Valid() {
		return "", apperrors.Newf(apperrors.KindValidation, "trial.ParseOperation", "unknown operation type %q", name)
	}
	return op, nil
}

// Operations lists the table, cheapest first.
func Operations() []Operation {
	ops := make([]Operation, 0, len(costs))
	for op := range costs {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if costs[ops[i]] != costs[ops[j]] {
			return costs[ops[i]] < costs[ops[j]]
		}
		return ops[i] < ops[j]
	})
	return ops
}
