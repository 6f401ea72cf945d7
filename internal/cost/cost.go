// Package cost implements the derivation functions of spec §4.4: per-model
// token shares, USD cost estimation from a rate card, and context-window
// percentage. These are pure functions over a trace's cumulative token
// state so the index's refresh loop can recompute them incrementally.
package cost

import "github.com/agentlens/daemon/internal/trace"

// UnknownModelPolicy controls cost behavior when a model has no rate card.
type UnknownModelPolicy string

const (
	PolicyNotAvailable       UnknownModelPolicy = "n_a"
	PolicyIgnore             UnknownModelPolicy = "ignore"
	PolicyEstimateWithDefault UnknownModelPolicy = "estimate_with_default"
)

// RateCard is the USD-per-million-token pricing for one model.
type RateCard struct {
	Model                string
	InputPer1MUsd        float64
	OutputPer1MUsd       float64
	CachedReadPer1MUsd   float64
	CachedCreatePer1MUsd float64
	ReasoningOutputPer1MUsd float64
}

// Estimate computes a cost contribution for totals attributed to model,
// given a rate-card map keyed by model name and an unknown-model policy. A
// nil return means "no cost available" (null in the API).
//
// Cached tokens are never billed at the full input rate: nonCachedInput =
// max(input - cachedRead - cachedCreate, 0).
func Estimate(totals trace.TokenTotals, model string, cards map[string]RateCard, policy UnknownModelPolicy, defaultCard *RateCard) *float64 {
	card, ok := cards[model]
	if !ok {
		switch policy {
		case PolicyEstimateWithDefault:
			if defaultCard == nil {
				return nil
			}
			card = *defaultCard
		case PolicyIgnore:
			zero := 0.0
			return &zero
		default: // PolicyNotAvailable
			return nil
		}
	}

	nonCachedInput := totals.InputTokens - totals.CachedReadTokens - totals.CachedCreateTokens
	if nonCachedInput < 0 {
		nonCachedInput = 0
	}

	usd := float64(nonCachedInput)*card.InputPer1MUsd/1e6 +
		float64(totals.CachedReadTokens)*card.CachedReadPer1MUsd/1e6 +
		float64(totals.CachedCreateTokens)*card.CachedCreatePer1MUsd/1e6 +
		float64(totals.OutputTokens)*card.OutputPer1MUsd/1e6 +
		float64(totals.ReasoningOutputTokens)*card.ReasoningOutputPer1MUsd/1e6

	return &usd
}

// PrecomputedCost wraps a parser-supplied per-message cost (Pi's
// usage.cost.total). When non-nil, derivation prefers this over rate-card
// computation entirely (spec §4.4).
func PrecomputedCost(total *float64) *float64 {
	if total == nil {
		return nil
	}
	v := *total
	return &v
}

// ContextWindowPct computes totalTokens / contextWindow * 100. contextWindow
// must be > 0; callers resolve it via ModelsConfig.MaxContextTokens before calling.
func ContextWindowPct(totals trace.TokenTotals, contextWindow int) *float64 {
	if contextWindow <= 0 {
		return nil
	}
	pct := float64(totals.TotalTokens) / float64(contextWindow) * 100
	return &pct
}

// ModelUsage is one observed {model, tokens} usage record used for share
// apportionment.
type ModelUsage struct {
	Model  string
	Tokens int
}

// ApportionShares computes per-model token shares by summing usage entries
// per model, sorted by tokens descending and cut to topK. exact only sets the
// returned estimated flag (estimated = !exact); the sums are the same either
// way, and no cumulative total is apportioned across models here.
func ApportionShares(usage []ModelUsage, exact bool, topK int) ([]trace.ModelShare, bool) {
	totals := make(map[string]int)
	var order []string
	var grandTotal int
	for _, u := range usage {
		if u.Tokens <= 0 {
			continue
		}
		if _, seen := totals[u.Model]; !seen {
			order = append(order, u.Model)
		}
		totals[u.Model] += u.Tokens
		grandTotal += u.Tokens
	}
	if grandTotal == 0 {
		return nil, false
	}

	shares := make([]trace.ModelShare, 0, len(order))
	for _, m := range order {
		tok := totals[m]
		shares = append(shares, trace.ModelShare{
			Model:   m,
			Tokens:  tok,
			Percent: float64(tok) / float64(grandTotal) * 100,
		})
	}

	// Sort by tokens descending (stable insertion sort; len is small).
	for i := 1; i < len(shares); i++ {
		for j := i; j > 0 && shares[j].Tokens > shares[j-1].Tokens; j-- {
			shares[j], shares[j-1] = shares[j-1], shares[j]
		}
	}

	if topK > 0 && len(shares) > topK {
		shares = shares[:topK]
	}
	return shares, !exact
}
