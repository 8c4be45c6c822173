// Package permission resolves what a principal may do inside one tenant.
//
// Roles map to capabilities through a single static table (roleCapabilities).
// No other package compares role names; callers ask for a Capability.
package permission

import (
	"sort"

	"github.com/lalith-99/admitflow/internal/models"
)

// Capability is a named, fine-grained permission.
type Capability string

const (
	ViewApplications Capability = "VIEW_APPLICATIONS"
	ViewAnalytics    Capability = "VIEW_ANALYTICS"
	ViewPayments     Capability = "VIEW_PAYMENTS"
	ManagePayments   Capability = "MANAGE_PAYMENTS"
	ExportData       Capability = "EXPORT_DATA"
	ChangeStatus     Capability = "CHANGE_STATUS"
	AssignReviewer   Capability = "ASSIGN_REVIEWER"
	ManageTemplates  Capability = "MANAGE_TEMPLATES"
	ManageStaff      Capability = "MANAGE_STAFF"
)

// All lists every tenant capability.
var All = []Capability{
	ViewApplications,
	ViewAnalytics,
	ViewPayments,
	ManagePayments,
	ExportData,
	ChangeStatus,
	AssignReviewer,
	ManageTemplates,
	ManageStaff,
}

// roleCapabilities is read-only after package init.
var roleCapabilities = map[models.TenantRole][]Capability{
	models.RoleUniViewer: {
		ViewApplications,
		ViewAnalytics,
	},
	models.RoleUniFinance: {
		ViewApplications,
		ViewAnalytics,
		ViewPayments,
		ManagePayments,
		ExportData,
	},
	models.RoleUniReviewer: {
		ViewApplications,
		ViewAnalytics,
		ChangeStatus,
		AssignReviewer,
	},
	models.RoleUniAdmin: All,
}

// roleRank orders roles for picking the label of a unioned resolution.
var roleRank = map[models.TenantRole]int{
	models.RoleUniViewer:   1,
	models.RoleUniFinance:  2,
	models.RoleUniReviewer: 3,
	models.RoleUniAdmin:    4,
}

// CapabilitySet is an immutable-by-convention set of capabilities.
type CapabilitySet map[Capability]struct{}

// CapabilitiesFor returns a fresh copy of the static set for role.
// Unknown roles get an empty set.
func CapabilitiesFor(role models.TenantRole) CapabilitySet {
	set := make(CapabilitySet, len(roleCapabilities[role]))
	for _, c := range roleCapabilities[role] {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s CapabilitySet) union(other CapabilitySet) {
	for c := range other {
		s[c] = struct{}{}
	}
}

// Sorted returns the capabilities in lexical order, for stable output.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
