package council

import (
	"fmt"
	"math"

	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/model"
)

// SafetyLock restricts which agents may issue commands of the given types.
// Empty Types means the lock applies to every type.
type SafetyLock struct {
	Name          string              `yaml:"name"           json:"name"`
	Types         []model.CommandType `yaml:"types"          json:"types,omitempty"`
	AllowedAgents []string            `yaml:"allowed_agents" json:"allowed_agents,omitempty"`
	BlockedAgents []string            `yaml:"blocked_agents" json:"blocked_agents,omitempty"`
}

func (l SafetyLock) appliesTo(t model.CommandType) bool {
	if len(l.Types) == 0 {
		return true
	}
	for _, lt := range l.Types {
		if lt == t {
			return true
		}
	}
	return false
}

// Disclaimer requires a phrase whenever any trigger term appears in the text.
type Disclaimer struct {
	Topic    string   `yaml:"topic"    json:"topic"`
	Triggers []string `yaml:"triggers" json:"triggers"`
	Required string   `yaml:"required" json:"required"`
}

// ToneProfile is the target style the coherence voter enforces.
type ToneProfile struct {
	MaxExclamations int `yaml:"max_exclamations"   json:"max_exclamations"`
	MaxAllCapsWords int `yaml:"max_all_caps_words" json:"max_all_caps_words"`
}

// Config holds the council's read-only tables.
type Config struct {
	DailyCapCents      int64                       `yaml:"daily_cap_cents"     json:"daily_cap_cents"`
	CostCents          map[model.CommandType]int64 `yaml:"cost_cents"          json:"cost_cents"`
	ReturnCents        map[model.CommandType]int64 `yaml:"return_cents"        json:"return_cents"`
	PriorityMultiplier map[model.Priority]float64  `yaml:"priority_multiplier" json:"priority_multiplier"`
	MinReturnRatio     float64                     `yaml:"min_return_ratio"    json:"min_return_ratio"`
	ProhibitedClaims   []string                    `yaml:"prohibited_claims"   json:"prohibited_claims"`
	Disclaimers        []Disclaimer                `yaml:"disclaimers"         json:"disclaimers"`
	SafetyLocks        []SafetyLock                `yaml:"safety_locks"        json:"safety_locks"`
	Tone               ToneProfile                 `yaml:"tone"                json:"tone"`
	AntiPatterns       []string                    `yaml:"anti_patterns"       json:"anti_patterns"`
	ReferenceKeywords  []string                    `yaml:"reference_keywords"  json:"reference_keywords"`
	DriftThreshold     float64                     `yaml:"drift_threshold"     json:"drift_threshold"`
	BrandLock          bool                        `yaml:"brand_lock"          json:"brand_lock"`
}

// DefaultConfig returns the built-in council tables.
func DefaultConfig() Config {
	return Config{
		DailyCapCents: budget.DefaultDailyCapCents,
		CostCents: map[model.CommandType]int64{
			model.CommandPost:     50,
			model.CommandEmail:    200,
			model.CommandBilling:  100,
			model.CommandCampaign: 2500,
			model.CommandContent:  300,
			model.CommandOffer:    500,
		},
		ReturnCents: map[model.CommandType]int64{
			model.CommandPost:     100,
			model.CommandEmail:    1000,
			model.CommandBilling:  5000,
			model.CommandCampaign: 5000,
			model.CommandContent:  400,
			model.CommandOffer:    2000,
		},
		PriorityMultiplier: map[model.Priority]float64{
			model.PriorityLow:      0.5,
			model.PriorityMedium:   1.0,
			model.PriorityHigh:     1.5,
			model.PriorityCritical: 2.0,
		},
		MinReturnRatio: 1.0,
		ProhibitedClaims: []string{
			"guaranteed", "risk-free", "no risk", "overnight results",
			"instant results", "double your revenue", "cure", "100% success",
		},
		Disclaimers: []Disclaimer{
			{Topic: "financial", Triggers: []string{"roi", "returns", "invest", "revenue growth"}, Required: "results vary"},
			{Topic: "pricing", Triggers: []string{"discount", "% off", "limited time"}, Required: "terms apply"},
		},
		SafetyLocks: []SafetyLock{
			{Name: "billing_authority", Types: []model.CommandType{model.CommandBilling}, AllowedAgents: []string{"billing-agent", "finance"}},
			{Name: "offer_authority", Types: []model.CommandType{model.CommandOffer}, AllowedAgents: []string{"growth-agent", "sales"}},
			{Name: "quarantine", BlockedAgents: []string{"unverified", "sandbox"}},
		},
		Tone: ToneProfile{MaxExclamations: 2, MaxAllCapsWords: 1},
		AntiPatterns: []string{
			"act now", "last chance", "you won't believe", "click here", "!!!", "once in a lifetime",
		},
		DriftThreshold: 0.85,
		BrandLock:      true,
	}
}

// Validate rejects tables that would make a voter fail open.
func (c Config) Validate() error {
	if c.DailyCapCents <= 0 {
		return fmt.Errorf("daily_cap_cents must be positive, got %d", c.DailyCapCents)
	}
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("drift_threshold must be in (0,1], got %v", c.DriftThreshold)
	}
	if c.MinReturnRatio < 0 {
		return fmt.Errorf("min_return_ratio must not be negative")
	}
	for _, t := range model.CommandTypes {
		if _, ok := c.CostCents[t]; !ok {
			return fmt.Errorf("cost_cents missing command type %q", t)
		}
	}
	for _, l := range c.SafetyLocks {
		if l.Name == "" {
			return fmt.Errorf("safety lock without name")
		}
		for _, t := range l.Types {
			if !t.Valid() {
				return fmt.Errorf("safety lock %s: unknown command type %q", l.Name, t)
			}
		}
	}
	for _, d := range c.Disclaimers {
		if d.Required == "" {
			return fmt.Errorf("disclaimer %s has no required phrase", d.Topic)
		}
	}
	return nil
}

// EstimateCost returns the expected spend of cmd in cents. Campaign commands
// add their payload amount (dollars) as ad spend. The result saturates at
// math.MaxInt64.
func (c Config) EstimateCost(cmd model.ExecuteCommand) int64 {
	cost := c.CostCents[cmd.Type]
	if cmd.Type == model.CommandCampaign && cmd.Payload.Amount > 0 {
		cents := math.Round(cmd.Payload.Amount * 100)
		if cents >= float64(math.MaxInt64-cost) {
			return math.MaxInt64
		}
		cost += int64(cents)
	}
	return cost
}

// PredictedReturn is the heuristic expected return in cents.
func (c Config) PredictedReturn(cmd model.ExecuteCommand) int64 {
	mult, ok := c.PriorityMultiplier[cmd.Priority]
	if !ok {
		mult = 1
	}
	return int64(math.Round(float64(c.ReturnCents[cmd.Type]) * mult))
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.CostCents = make(map[model.CommandType]int64, len(c.CostCents))
	for k, v := range c.CostCents {
		out.CostCents[k] = v
	}
	out.ReturnCents = make(map[model.CommandType]int64, len(c.ReturnCents))
	for k, v := range c.ReturnCents {
		out.ReturnCents[k] = v
	}
	out.PriorityMultiplier = make(map[model.Priority]float64, len(c.PriorityMultiplier))
	for k, v := range c.PriorityMultiplier {
		out.PriorityMultiplier[k] = v
	}
	out.ProhibitedClaims = append([]string(nil), c.ProhibitedClaims...)
	out.AntiPatterns = append([]string(nil), c.AntiPatterns...)
	out.ReferenceKeywords = append([]string(nil), c.ReferenceKeywords...)
	out.Disclaimers = make([]Disclaimer, len(c.Disclaimers))
	for i, d := range c.Disclaimers {
		d.Triggers = append([]string(nil), d.Triggers...)
		out.Disclaimers[i] = d
	}
	out.SafetyLocks = make([]SafetyLock, len(c.SafetyLocks))
	for i, l := range c.SafetyLocks {
		l.Types = append([]model.CommandType(nil), l.Types...)
		l.AllowedAgents = append([]string(nil), l.AllowedAgents...)
		l.BlockedAgents = append([]string(nil), l.BlockedAgents...)
		out.SafetyLocks[i] = l
	}
	return out
}
