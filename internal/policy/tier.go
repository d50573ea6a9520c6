package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/model"
)

// Gate result name suffixes.
const (
	allowedScopeSuffix = "_ALLOWED_SCOPE"
	deniedScopeSuffix  = "_DENIED_SCOPE"
)

// GateName returns the FilterResult name for a class gate check,
// e.g. DATA_INTEGRITY_ALLOWED_SCOPE.
func GateName(class model.RootCauseClass, suffix string) string {
	return strings.ToUpper(strings.ReplaceAll(string(class), "-", "_")) + suffix
}

type checker struct {
	text   classify.TextClassifier
	engine *classify.ExprEngine
}

// runFilter evaluates one hard or soft rule. Conditions are checked in
// declaration order and the first failing one supplies the reason.
func (c checker) runFilter(f FilterRule, p model.Proposal) (model.FilterResult, error) {
	res := model.FilterResult{Name: f.Name, Passed: true}

	if len(f.DenyTerms) > 0 {
		if hit := c.text.Match(p.ProposedAction, f.DenyTerms); len(hit) > 0 {
			context := p.ProposedAction + "\n" + p.ProjectedImpact.RiskNotes
			if len(f.UnlessTerms) == 0 || !classify.Any(c.text, context, f.UnlessTerms) {
				res.Passed = false
				res.Matched = hit
				res.Reason = fmt.Sprintf("%s: action touches %s", f.Name, strings.Join(quoteAll(hit), ", "))
				return res, nil
			}
		}
	}

	if len(f.RequireTerms) > 0 && !classify.Any(c.text, p.ProposedAction, f.RequireTerms) {
		res.Passed = false
		res.Reason = fmt.Sprintf("%s: action mentions none of %s", f.Name, strings.Join(quoteAll(f.RequireTerms), ", "))
		return res, nil
	}

	if f.Metric != "" {
		if v, ok := p.ProjectedImpact.Delta(f.Metric); ok {
			if f.Max != nil && v > *f.Max {
				res.Passed = false
				res.Reason = fmt.Sprintf("%s: %s %.4g exceeds bound %.4g", f.Name, f.Metric, v, *f.Max)
				return res, nil
			}
			if f.Min != nil && v < *f.Min {
				res.Passed = false
				res.Reason = fmt.Sprintf("%s: %s %.4g below bound %.4g", f.Name, f.Metric, v, *f.Min)
				return res, nil
			}
		}
	}

	if f.Expr != "" {
		if c.engine == nil {
			return res, fmt.Errorf("filter %s: expression configured but no engine", f.Name)
		}
		ok, err := c.engine.Eval(f.Expr, classify.Input{
			Action:    p.ProposedAction,
			Class:     string(p.RootCauseClass),
			Impact:    p.ProjectedImpact.Deltas,
			RiskNotes: p.ProjectedImpact.RiskNotes,
		})
		if err != nil {
			return res, fmt.Errorf("filter %s: %w", f.Name, err)
		}
		if !ok {
			res.Passed = false
			res.Reason = fmt.Sprintf("%s: expression not satisfied", f.Name)
			return res, nil
		}
	}

	res.Reason = fmt.Sprintf("%s: passed", f.Name)
	return res, nil
}

// runGates produces the allowed-scope and denied-scope results for the
// proposal's class. A class with no configured gate fails both checks.
func (c checker) runGates(gates map[model.RootCauseClass]Gate, p model.Proposal) []model.FilterResult {
	allowedName := GateName(p.RootCauseClass, allowedScopeSuffix)
	deniedName := GateName(p.RootCauseClass, deniedScopeSuffix)

	gate, ok := gates[p.RootCauseClass]
	if !ok {
		reason := fmt.Sprintf("no gate configured for %s", p.RootCauseClass)
		return []model.FilterResult{
			{Name: allowedName, Passed: false, Reason: reason},
			{Name: deniedName, Passed: false, Reason: reason},
		}
	}

	allowed := model.FilterResult{Name: allowedName}
	if hit := c.text.Match(p.ProposedAction, gate.Allow); len(hit) > 0 {
		allowed.Passed = true
		allowed.Matched = hit
		allowed.Reason = fmt.Sprintf("action touches allowed area %s", strings.Join(quoteAll(hit), ", "))
	} else {
		allowed.Reason = fmt.Sprintf("action touches no allowed area for %s", p.RootCauseClass)
	}

	denied := model.FilterResult{Name: deniedName, Passed: true}
	if hit := c.text.Match(p.ProposedAction, gate.Deny); len(hit) > 0 {
		denied.Passed = false
		denied.Matched = hit
		denied.Reason = fmt.Sprintf("action touches denied area %s for %s", strings.Join(quoteAll(hit), ", "), p.RootCauseClass)
	} else {
		denied.Reason = "action avoids all denied areas"
	}

	return []model.FilterResult{allowed, denied}
}

// selectVerdict applies the verdict rules in priority order; first match wins.
func selectVerdict(d *model.GovernanceDecision) {
	d.HardPassed = allPassed(d.HardFilters)
	d.GatesPassed = allPassed(d.Gates)
	d.SoftViolations = countFailed(d.SoftFilters)

	switch {
	case !d.HardPassed:
		d.Verdict = model.VerdictReject
		d.Instruction = model.InstructRerunDiagnostics
		d.Reason = firstFailed(d.HardFilters).Reason

	case !d.GatesPassed || d.SoftViolations > 1:
		d.Verdict = model.VerdictModify
		d.Instruction = model.InstructResubmitNarrower
		first := firstFailed(d.Gates)
		if first == nil {
			first = firstFailed(d.SoftFilters)
		}
		d.Reason = first.Reason
		d.Guidance = fmt.Sprintf("narrow the action to satisfy %s", first.Name)

	case d.SoftViolations == 1:
		d.Verdict = model.VerdictApprove
		d.Instruction = model.InstructExecute
		soft := firstFailed(d.SoftFilters)
		d.Reason = "approved with one advisory violation"
		d.Advisory = soft.Reason
		d.Monitoring = model.Monitor24h

	default:
		d.Verdict = model.VerdictApprove
		d.Instruction = model.InstructExecute
		d.Reason = "all constraints satisfied"
		d.Monitoring = model.MonitorStandard
	}
}

func allPassed(rs []model.FilterResult) bool {
	return firstFailed(rs) == nil
}

func countFailed(rs []model.FilterResult) int {
	n := 0
	for _, r := range rs {
		if !r.Passed {
			n++
		}
	}
	return n
}

func firstFailed(rs []model.FilterResult) *model.FilterResult {
	for i := range rs {
		if !rs[i].Passed {
			return &rs[i]
		}
	}
	return nil
}

func quoteAll(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = fmt.Sprintf("%q", t)
	}
	return out
}
