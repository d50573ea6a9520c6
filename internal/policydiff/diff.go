package policydiff

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
)

// Change represents an added or removed entry in a keyed section.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a filter addition, removal, or modification.
type RuleChange struct {
	Type string `json:"type"` // "added", "removed", "changed"
	Tier string `json:"tier"` // "hard", "soft"
	Rule string `json:"rule"`
}

// DiffResult holds the comparison of two rule-table versions.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two rule tables and returns the differences.
func Diff(old, new *policy.RuleTables) *DiffResult {
	r := &DiffResult{}

	diffSet(r, "authorized_sources", old.AuthorizedSources, new.AuthorizedSources)

	diffFilters(r, "hard", old.HardFilters, new.HardFilters)
	diffFilters(r, "soft", old.SoftFilters, new.SoftFilters)

	for _, class := range model.RootCauseClasses {
		og, ng := old.Gates[class], new.Gates[class]
		diffSet(r, "gates."+string(class)+".allow", og.Allow, ng.Allow)
		diffSet(r, "gates."+string(class)+".deny", og.Deny, ng.Deny)
	}

	diffSet(r, "locks", old.LockNames(), new.LockNames())
	for _, name := range new.LockNames() {
		if terms, ok := old.Locks[name]; ok {
			diffSet(r, "locks."+name, terms, new.Locks[name])
		}
	}

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

func filterLabel(f policy.FilterRule) string {
	var parts []string
	if len(f.DenyTerms) > 0 {
		parts = append(parts, fmt.Sprintf("deny=%d", len(f.DenyTerms)))
	}
	if len(f.RequireTerms) > 0 {
		parts = append(parts, fmt.Sprintf("require=%d", len(f.RequireTerms)))
	}
	if f.Metric != "" {
		bound := f.Metric
		if f.Min != nil {
			bound = fmt.Sprintf("%g<=%s", *f.Min, bound)
		}
		if f.Max != nil {
			bound = fmt.Sprintf("%s<=%g", bound, *f.Max)
		}
		parts = append(parts, bound)
	}
	if f.Expr != "" {
		parts = append(parts, "expr")
	}
	if len(parts) == 0 {
		return f.Name
	}
	return f.Name + " [" + strings.Join(parts, " ") + "]"
}

func diffFilters(r *DiffResult, tier string, oldRules, newRules []policy.FilterRule) {
	oldMap := make(map[string]policy.FilterRule)
	for _, f := range oldRules {
		oldMap[f.Name] = f
	}
	newMap := make(map[string]policy.FilterRule)
	for _, f := range newRules {
		newMap[f.Name] = f
	}

	// Check for added and changed
	for _, f := range newRules {
		if oldRule, exists := oldMap[f.Name]; exists {
			if !reflect.DeepEqual(oldRule, f) {
				r.RuleChanges = append(r.RuleChanges, RuleChange{
					Type: "changed",
					Tier: tier,
					Rule: fmt.Sprintf("%s (was: %s)", filterLabel(f), filterLabel(oldRule)),
				})
			}
		} else {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "added", Tier: tier, Rule: filterLabel(f)})
		}
	}

	// Check for removed
	for _, f := range oldRules {
		if _, exists := newMap[f.Name]; !exists {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "removed", Tier: tier, Rule: filterLabel(f)})
		}
	}
}

func diffSet(r *DiffResult, section string, oldKeys, newKeys []string) {
	oldSet := make(map[string]bool)
	for _, k := range oldKeys {
		oldSet[k] = true
	}
	newSet := make(map[string]bool)
	for _, k := range newKeys {
		newSet[k] = true
	}

	for _, k := range sorted(newKeys) {
		if !oldSet[k] {
			r.Changes = append(r.Changes, Change{Field: section, New: k, Comment: "added"})
		}
	}
	for _, k := range sorted(oldKeys) {
		if !newSet[k] {
			r.Changes = append(r.Changes, Change{Field: section, Old: k, Comment: "removed"})
		}
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
