package config

// DefaultYAML returns a commented governance file equivalent to
// DefaultConfig. Lists replace the built-in lists; maps are merged into the
// built-in maps.
func DefaultYAML() string {
	return `# govgate governance configuration
# Generated by: govgate init-config
#
# The SHA-256 of this file is the rules version stamped on every decision.
# Edits are picked up by a running "govgate serve" without a restart.

# Constraint Evaluator.
# Evaluation order (cannot be changed):
#   1. hard_filters  -> any failure: REJECT
#   2. gates         -> any failure: REJECT
#   3. soft_filters  -> counted: 0 APPROVE, 1 APPROVE with advisory, 2+ MODIFY
rules:
  authorized_sources: [proposer, strategist]

  # Filter fields (all optional except name):
  #   deny_terms:    fail if the action mentions any term...
  #   unless_terms:  ...unless one of these appears in the action or risk notes
  #   require_terms: fail unless the action mentions at least one term
  #   metric/min/max: bound on a projected_impact delta (undeclared metric passes)
  #   expr:          CEL over action, class, impact, risk_notes; must be true
  hard_filters:
    - name: METHODOLOGY_PROTECTION
      description: action must not alter protected methodology or claimed ranges
      deny_terms: [change methodology, alter methodology, modify methodology, redefine, claimed range, widen range, restate]
    - name: VOLATILITY_BOUND
      description: projected volatility increase must stay within bound
      metric: volatility
      max: 0.15
    - name: AUDIT_DEFENSIBILITY
      description: action must be conservative and reproducible under audit
      deny_terms: [override, bypass, skip validation, force push, manual adjustment]
      unless_terms: [stakeholder packet]

  soft_filters:
    - name: TIER_SEQUENCING
      description: action preserves the fixed tier sequencing
      deny_terms: [skip tier, reorder tiers, collapse tiers, merge tiers]
    - name: EXPERIMENT_BREADTH
      description: action avoids introducing unapproved experimental breadth
      deny_terms: [new experiment, a/b test, multivariate, all segments, launch experiment]
    - name: RECOVERY_WINDOW
      description: action is plausible to resolve within the recovery window
      metric: recovery_days
      max: 14

  # Gates are per root-cause class; entries here are merged over the
  # built-in allow/deny topics for every class.
  # gates:
  #   data-integrity:
  #     allow: [pipeline, normalization, dedupe, schema]
  #     deny: [pricing, messaging]

  # Locks a proposal may declare; a response touching a declared lock's
  # terms is a governance violation.
  locks:
    methodology: [methodology, scoring formula, claimed range]
    pricing_freeze: [pricing, price, discount]
    brand: [rebrand, logo, tagline]

# Consensus Voting Engine.
council:
  daily_cap_cents: 50000
  min_return_ratio: 1.0
  drift_threshold: 0.85
  brand_lock: true
  tone:
    max_exclamations: 2
    max_all_caps_words: 1
  # cost_cents, return_cents and priority_multiplier are merged per key:
  # cost_cents:
  #   campaign: 2500
  # reference_keywords: [ledger, reconciliation]

# Transaction retry policy: delay = base_delay x attempt.
retry:
  max_attempts: 3
  base_delay: 200ms

audit:
  driver: jsonl        # jsonl | sqlite
  # path: ~/.govgate/audit.jsonl
  keep_last: 0         # 0 keeps everything

# Daily spend store: memory | redis | postgres.
# Credentials may come from GOVGATE_REDIS_ADDR and GOVGATE_POSTGRES_DSN.
budget:
  backend: memory

# Webhooks for Chairman alerts, governance violations and verdicts.
# events match an event type or an escalation level.
alerts: []
#  - url: https://hooks.slack.com/services/XXX
#    format: slack        # generic | slack | pagerduty
#    events: [chairman_alert, governance_violation, critical]

server:
  addr: ":8088"
  rate_limit:
    requests_per_second: 20   # per client IP; 0 disables
    burst: 40
    idle_ttl: 3m

telemetry:
  enabled: false
  service_name: govgate
  otlp_endpoint: localhost:4317
  insecure: true
  interval: 15s
`
}
