package council

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/model"
)

func goodCommand() model.ExecuteCommand {
	return model.ExecuteCommand{
		Type:     model.CommandPost,
		AgentID:  "content-agent",
		Priority: model.PriorityMedium,
		Payload: model.CommandPayload{
			Title:   "Spring product update",
			Content: "See what shipped in the new release.",
			CTA:     "Read the changelog",
		},
	}
}

func testBallot(cmd model.ExecuteCommand, cfg Config, spent int64) ballot {
	return ballot{
		cmd:   cmd,
		cfg:   &cfg,
		text:  classify.NewKeyword(),
		usage: budget.Usage{Day: "2026-03-01", Spent: spent, Cap: cfg.DailyCapCents},
		cost:  cfg.EstimateCost(cmd),
	}
}

func findCheck(t *testing.T, v model.Vote, name string) model.Check {
	t.Helper()
	for _, c := range v.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("vote %s has no check %s", v.Voter, name)
	return model.Check{}
}

func TestVotersPassGoodCommand(t *testing.T) {
	b := testBallot(goodCommand(), DefaultConfig(), 0)
	for _, v := range defaultVoters() {
		vote := v.Vote(context.Background(), b)
		assert.Equal(t, v.Role(), vote.Voter)
		assert.True(t, vote.Passed(), "%s: %s", vote.Voter, vote.Reasoning)
	}
}

func TestPolicyVoter(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.ExecuteCommand)
		check    string
		severity model.Severity
	}{
		{
			name:     "prohibited claim",
			mutate:   func(c *model.ExecuteCommand) { c.Payload.Content = "Guaranteed growth for every customer." },
			check:    CheckClaims,
			severity: model.SeverityCritical,
		},
		{
			name:     "missing financial disclaimer",
			mutate:   func(c *model.ExecuteCommand) { c.Payload.Content = "Teams that invest here see strong revenue growth." },
			check:    CheckDisclaimers,
			severity: model.SeverityWarning,
		},
		{
			name: "billing from unauthorized agent",
			mutate: func(c *model.ExecuteCommand) {
				c.Type = model.CommandBilling
				c.AgentID = "content-agent"
			},
			check:    CheckSafetyLocks,
			severity: model.SeverityCritical,
		},
		{
			name:     "quarantined agent",
			mutate:   func(c *model.ExecuteCommand) { c.AgentID = "sandbox" },
			check:    CheckSafetyLocks,
			severity: model.SeverityCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := goodCommand()
			tt.mutate(&cmd)
			vote := policyVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
			require.False(t, vote.Passed())
			c := findCheck(t, vote, tt.check)
			assert.False(t, c.Passed)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Contains(t, vote.Reasoning, c.Detail)
		})
	}
}

func TestPolicyVoterDisclaimerPresent(t *testing.T) {
	cmd := goodCommand()
	cmd.Payload.Content = "Teams that invest here see strong revenue growth. Results vary."
	vote := policyVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
	assert.True(t, vote.Passed(), vote.Reasoning)
}

func TestPolicyVoterAllowedBillingAgent(t *testing.T) {
	cmd := goodCommand()
	cmd.Type = model.CommandBilling
	cmd.AgentID = "billing-agent"
	vote := policyVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
	assert.True(t, findCheck(t, vote, CheckSafetyLocks).Passed)
}

func TestViabilityVoter(t *testing.T) {
	t.Run("no path to value", func(t *testing.T) {
		cmd := goodCommand()
		cmd.Payload.CTA = ""
		vote := viabilityVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
		require.False(t, vote.Passed())
		c := findCheck(t, vote, CheckMonetizationPath)
		assert.False(t, c.Passed)
		assert.Equal(t, model.SeverityWarning, c.Severity)
	})

	t.Run("funnel step counts as path", func(t *testing.T) {
		cmd := goodCommand()
		cmd.Payload.CTA = ""
		cmd.Payload.FunnelStep = "activation"
		vote := viabilityVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
		assert.True(t, vote.Passed(), vote.Reasoning)
	})

	t.Run("over daily cap", func(t *testing.T) {
		cfg := DefaultConfig()
		vote := viabilityVoter{}.Vote(context.Background(), testBallot(goodCommand(), cfg, cfg.DailyCapCents-10))
		require.False(t, vote.Passed())
		c := findCheck(t, vote, CheckDailySpendCap)
		assert.False(t, c.Passed)
		assert.Equal(t, model.SeverityCritical, c.Severity)
	})

	t.Run("exactly at cap passes", func(t *testing.T) {
		cfg := DefaultConfig()
		cost := cfg.EstimateCost(goodCommand())
		vote := viabilityVoter{}.Vote(context.Background(), testBallot(goodCommand(), cfg, cfg.DailyCapCents-cost))
		assert.True(t, findCheck(t, vote, CheckDailySpendCap).Passed)
	})

	t.Run("low priority content does not pay back", func(t *testing.T) {
		cmd := goodCommand()
		cmd.Type = model.CommandContent
		cmd.Priority = model.PriorityLow
		vote := viabilityVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
		assert.False(t, findCheck(t, vote, CheckPredictedReturn).Passed)
	})
}

func TestCampaignCostIncludesAmount(t *testing.T) {
	cfg := DefaultConfig()
	cmd := goodCommand()
	cmd.Type = model.CommandCampaign
	cmd.Payload.Amount = 120.50
	assert.Equal(t, cfg.CostCents[model.CommandCampaign]+12050, cfg.EstimateCost(cmd))

	cmd.Type = model.CommandEmail
	assert.Equal(t, cfg.CostCents[model.CommandEmail], cfg.EstimateCost(cmd))

	cmd.Type = model.CommandCampaign
	cmd.Payload.Amount = 92233720368547700
	assert.Equal(t, int64(math.MaxInt64), cfg.EstimateCost(cmd), "cost saturates instead of wrapping")
}

func TestCoherenceVoter(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   string
	}{
		{"too many exclamations", "Big news! Huge news! Massive news!", CheckTone},
		{"shouting", "This is a HUGE and AMAZING release", CheckTone},
		{"anti-pattern", "Act now before it is gone", CheckAntiPatterns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := goodCommand()
			cmd.Payload.Content = tt.content
			vote := coherenceVoter{}.Vote(context.Background(), testBallot(cmd, DefaultConfig(), 0))
			require.False(t, vote.Passed())
			assert.False(t, findCheck(t, vote, tt.check).Passed)
		})
	}
}

func TestCoherenceDrift(t *testing.T) {
	cfg := DefaultConfig()

	vote := coherenceVoter{}.Vote(context.Background(), testBallot(goodCommand(), cfg, 0))
	c := findCheck(t, vote, CheckDrift)
	assert.True(t, c.Passed, "no reference keywords is a lenient pass")

	cfg.ReferenceKeywords = []string{"release", "changelog", "quarterly", "benchmark"}
	vote = coherenceVoter{}.Vote(context.Background(), testBallot(goodCommand(), cfg, 0))
	assert.True(t, findCheck(t, vote, CheckDrift).Passed, "drift 0.75 is below 0.85")

	cfg.ReferenceKeywords = []string{"quarterly", "benchmark", "methodology", "dataset", "audit", "release"}
	cmd := goodCommand()
	cmd.Payload.Content = "Nothing about our usual topics here."
	cmd.Payload.Title = "Weekend plans"
	vote = coherenceVoter{}.Vote(context.Background(), testBallot(cmd, cfg, 0))
	assert.False(t, findCheck(t, vote, CheckDrift).Passed)

	cfg.ReferenceKeywords = []string{"audit", "evidence", "compliance"}
	cmd = goodCommand()
	cmd.Payload.Title, cmd.Payload.Content, cmd.Payload.CTA = "", "", ""
	vote = coherenceVoter{}.Vote(context.Background(), testBallot(cmd, cfg, 0))
	c = findCheck(t, vote, CheckDrift)
	assert.False(t, c.Passed, "empty payload covers no keywords")
	assert.Contains(t, c.Detail, "drift 1.00")
}

func TestCoherenceBrandLock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BrandLock = false
	vote := coherenceVoter{}.Vote(context.Background(), testBallot(goodCommand(), cfg, 0))
	c := findCheck(t, vote, CheckBrandLock)
	assert.False(t, c.Passed)
	assert.Equal(t, model.SeverityCritical, c.Severity)
}

func TestAllCapsWords(t *testing.T) {
	assert.Equal(t, 0, allCapsWords("A normal sentence"))
	assert.Equal(t, 2, allCapsWords("BUY this NOW"))
	assert.Equal(t, 1, allCapsWords("Try the API today"))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DriftThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	delete(cfg.CostCents, model.CommandOffer)
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SafetyLocks = append(cfg.SafetyLocks, SafetyLock{Name: "bad", Types: []model.CommandType{"fax"}})
	assert.Error(t, cfg.Validate())
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.CostCents[model.CommandPost] = 1
	clone.SafetyLocks[0].AllowedAgents[0] = "someone-else"
	clone.Disclaimers[0].Triggers[0] = "changed"

	assert.NotEqual(t, int64(1), cfg.CostCents[model.CommandPost])
	assert.Equal(t, "billing-agent", cfg.SafetyLocks[0].AllowedAgents[0])
	assert.Equal(t, "roi", cfg.Disclaimers[0].Triggers[0])
}
