package council

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/model"
)

// Check names.
const (
	CheckClaims           = "prohibited_claims"
	CheckDisclaimers      = "required_disclaimers"
	CheckSafetyLocks      = "safety_locks"
	CheckDailySpendCap    = "daily_spend_cap"
	CheckPredictedReturn  = "predicted_return"
	CheckMonetizationPath = "monetization_path"
	CheckTone             = "tone"
	CheckAntiPatterns     = "anti_patterns"
	CheckDrift            = "drift"
	CheckBrandLock        = "brand_lock"
)

// ballot is everything a voter may read. It is built once before fan-out and
// never written afterwards.
type ballot struct {
	cmd   model.ExecuteCommand
	cfg   *Config
	text  classify.TextClassifier
	usage budget.Usage
	cost  int64
}

// voter judges a command independently of the other voters.
type voter interface {
	Role() model.VoterRole
	Vote(ctx context.Context, b ballot) model.Vote
}

type policyVoter struct{}
type viabilityVoter struct{}
type coherenceVoter struct{}

func defaultVoters() []voter {
	return []voter{policyVoter{}, viabilityVoter{}, coherenceVoter{}}
}

func (policyVoter) Role() model.VoterRole { return model.VoterPolicy }

// Vote checks regulatory compliance: unsubstantiated claims, topic
// disclaimers and the named safety locks.
func (policyVoter) Vote(_ context.Context, b ballot) model.Vote {
	text := b.cmd.Payload.Text()
	checks := make([]model.Check, 0, 3)

	claims := b.text.Match(text, b.cfg.ProhibitedClaims)
	checks = append(checks, check(CheckClaims, len(claims) == 0, model.SeverityCritical,
		"no prohibited claims",
		fmt.Sprintf("prohibited claims: %s", strings.Join(claims, ", "))))

	var missing []string
	for _, d := range b.cfg.Disclaimers {
		if !classify.Any(b.text, text, d.Triggers) {
			continue
		}
		if !classify.Any(b.text, text, []string{d.Required}) {
			missing = append(missing, fmt.Sprintf("%s (%q)", d.Topic, d.Required))
		}
	}
	checks = append(checks, check(CheckDisclaimers, len(missing) == 0, model.SeverityWarning,
		"required disclaimers present",
		fmt.Sprintf("missing disclaimers: %s", strings.Join(missing, ", "))))

	var violated []string
	for _, l := range b.cfg.SafetyLocks {
		if !l.appliesTo(b.cmd.Type) {
			continue
		}
		if contains(l.BlockedAgents, b.cmd.AgentID) ||
			(len(l.AllowedAgents) > 0 && !contains(l.AllowedAgents, b.cmd.AgentID)) {
			violated = append(violated, l.Name)
		}
	}
	checks = append(checks, check(CheckSafetyLocks, len(violated) == 0, model.SeverityCritical,
		"safety locks respected",
		fmt.Sprintf("agent %s violates locks: %s", b.cmd.AgentID, strings.Join(violated, ", "))))

	return tally(model.VoterPolicy, checks)
}

func (viabilityVoter) Role() model.VoterRole { return model.VoterViability }

// Vote checks spend against the daily cap, expected return and whether the
// command leads anywhere that produces value.
func (viabilityVoter) Vote(_ context.Context, b ballot) model.Vote {
	checks := make([]model.Check, 0, 3)

	res := budget.Check(b.usage, b.cost)
	checks = append(checks, model.Check{
		Name:     CheckDailySpendCap,
		Passed:   !res.Exceeded,
		Severity: model.SeverityCritical,
		Detail:   res.Reason,
	})

	ret := b.cfg.PredictedReturn(b.cmd)
	need := int64(float64(b.cost) * b.cfg.MinReturnRatio)
	checks = append(checks, check(CheckPredictedReturn, ret >= need, model.SeverityWarning,
		fmt.Sprintf("predicted return %d >= %d cents", ret, need),
		fmt.Sprintf("predicted return %d < %d cents for %s/%s", ret, need, b.cmd.Type, b.cmd.Priority)))

	p := b.cmd.Payload
	hasPath := strings.TrimSpace(p.CTA) != "" || strings.TrimSpace(p.FunnelStep) != "" || strings.TrimSpace(p.Target) != ""
	checks = append(checks, check(CheckMonetizationPath, hasPath, model.SeverityWarning,
		"path to value declared",
		"no cta, funnel_step or target"))

	return tally(model.VoterViability, checks)
}

func (coherenceVoter) Role() model.VoterRole { return model.VoterCoherence }

// Vote checks the command against the brand voice.
func (coherenceVoter) Vote(_ context.Context, b ballot) model.Vote {
	text := b.cmd.Payload.Text()
	checks := make([]model.Check, 0, 4)

	excl := strings.Count(text, "!")
	caps := allCapsWords(text)
	toneOK := excl <= b.cfg.Tone.MaxExclamations && caps <= b.cfg.Tone.MaxAllCapsWords
	checks = append(checks, check(CheckTone, toneOK, model.SeverityWarning,
		"tone within profile",
		fmt.Sprintf("%d exclamations (max %d), %d all-caps words (max %d)",
			excl, b.cfg.Tone.MaxExclamations, caps, b.cfg.Tone.MaxAllCapsWords)))

	hits := b.text.Match(text, b.cfg.AntiPatterns)
	checks = append(checks, check(CheckAntiPatterns, len(hits) == 0, model.SeverityWarning,
		"no anti-patterns",
		fmt.Sprintf("anti-patterns: %s", strings.Join(hits, ", "))))

	if len(b.cfg.ReferenceKeywords) == 0 {
		checks = append(checks, model.Check{
			Name: CheckDrift, Passed: true, Severity: model.SeverityWarning,
			Detail: "no reference keywords configured",
		})
	} else {
		score := drift(b.text, text, b.cfg.ReferenceKeywords)
		checks = append(checks, check(CheckDrift, score < b.cfg.DriftThreshold, model.SeverityWarning,
			fmt.Sprintf("drift %.2f below %.2f", score, b.cfg.DriftThreshold),
			fmt.Sprintf("drift %.2f at or above %.2f", score, b.cfg.DriftThreshold)))
	}

	checks = append(checks, check(CheckBrandLock, b.cfg.BrandLock, model.SeverityCritical,
		"brand lock active",
		"brand lock disabled"))

	return tally(model.VoterCoherence, checks)
}

// drift is the fraction of reference keywords absent from text.
func drift(c classify.TextClassifier, text string, reference []string) float64 {
	if len(reference) == 0 {
		return 0
	}
	present := len(c.Match(text, reference))
	return float64(len(reference)-present) / float64(len(reference))
}

func allCapsWords(text string) int {
	n := 0
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len([]rune(w)) < 2 {
			continue
		}
		if strings.ToUpper(w) == w && strings.ToLower(w) != w {
			n++
		}
	}
	return n
}

func check(name string, passed bool, sev model.Severity, okDetail, failDetail string) model.Check {
	c := model.Check{Name: name, Passed: passed, Severity: sev, Detail: okDetail}
	if !passed {
		c.Detail = failDetail
	}
	return c
}

func tally(role model.VoterRole, checks []model.Check) model.Vote {
	v := model.Vote{Voter: role, Outcome: model.VotePass, Checks: checks}
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			failed = append(failed, c.Detail)
		}
	}
	if len(failed) > 0 {
		v.Outcome = model.VoteFail
		v.Reasoning = strings.Join(failed, "; ")
		return v
	}
	v.Reasoning = fmt.Sprintf("all %d checks passed", len(checks))
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
