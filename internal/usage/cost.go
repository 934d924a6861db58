package usage

import (
	"sort"
	"strings"

	"github.com/nugget/nudge/internal/config"
	"github.com/nugget/nudge/internal/llm"
)

// ComputeCost prices one call. Prices are per 1000 tokens. With a split
// usage report and a known model the cost is regular input + cached
// input + output, each at its own price; otherwise total tokens are
// charged at flatPer1K.
func ComputeCost(model string, u llm.Usage, pricing map[string]config.PricingEntry, flatPer1K float64) float64 {
	entry, ok := lookupPrice(model, pricing)
	if !ok || !u.Split() {
		return per1K(u.Total(), flatPer1K)
	}

	cached := min(u.CachedInputTokens, u.InputTokens)
	return per1K(u.InputTokens-cached, entry.InputPer1K) +
		per1K(cached, entry.CachedInputPer1K) +
		per1K(u.OutputTokens, entry.OutputPer1K)
}

func per1K(tokens int, price float64) float64 {
	return float64(tokens) / 1000 * price
}

// lookupPrice matches model exactly, then by the longest configured
// prefix so dated snapshots ("gpt-4o-2024-08-06") bill as their family.
func lookupPrice(model string, pricing map[string]config.PricingEntry) (config.PricingEntry, bool) {
	if entry, ok := pricing[model]; ok {
		return entry, true
	}
	keys := make([]string, 0, len(pricing))
	for k := range pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(model, k+"-") {
			return pricing[k], true
		}
	}
	return config.PricingEntry{}, false
}
