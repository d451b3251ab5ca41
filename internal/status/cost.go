package status

import (
	"regexp"
	"strconv"
	"strings"
)

// Pricing is the USD cost per million tokens for a model.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// DefaultModel is used when a caller does not name a model.
const DefaultModel = "claude-sonnet-4-6"

var modelPricing = map[string]Pricing{
	"claude-sonnet-4-6": {InputPerM: 3.0, OutputPerM: 15.0},
	"claude-opus-4-6":   {InputPerM: 15.0, OutputPerM: 75.0},
	"claude-haiku-4-5":  {InputPerM: 0.8, OutputPerM: 4.0},
}

var defaultPricing = Pricing{InputPerM: 3.0, OutputPerM: 15.0}

// PricingFor returns the price tier of a model, falling back to the default tier.
func PricingFor(model string) Pricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	return defaultPricing
}

// EstimateCost prices a token count for a model.
func EstimateCost(tokensIn, tokensOut float64, model string) float64 {
	p := PricingFor(model)
	return tokensIn/1_000_000*p.InputPerM + tokensOut/1_000_000*p.OutputPerM
}

// Cost is a parsed spend report.
type Cost struct {
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

var (
	compactTokensRe = regexp.MustCompile(`(?i)Tokens:\s*(\d+(?:\.\d+)?)(k?)\s*in\s*/\s*(\d+(?:\.\d+)?)(k?)\s*out`)
	inputTokensRe   = regexp.MustCompile(`(?i)Input tokens:\s*(\d+)`)
	outputTokensRe  = regexp.MustCompile(`(?i)Output tokens:\s*(\d+)`)
	totalCostRe     = regexp.MustCompile(`(?i)Total cost:\s*\$(\d+(?:\.\d+)?)`)
)

// ParseCost extracts token usage or spend from agent output. The forms are
// tried in order: "Tokens: 12k in / 3k out", then "Input tokens: N" with
// "Output tokens: M", then "Total cost: $X". Returns nil if none match.
func ParseCost(output, model string) *Cost {
	if model == "" {
		model = DefaultModel
	}

	if m := compactTokensRe.FindStringSubmatch(output); m != nil {
		in := scaled(m[1], m[2])
		out := scaled(m[3], m[4])
		return &Cost{
			TokensIn:  int64(in),
			TokensOut: int64(out),
			Cost:      EstimateCost(in, out, model),
		}
	}

	inMatch := inputTokensRe.FindStringSubmatch(output)
	outMatch := outputTokensRe.FindStringSubmatch(output)
	if inMatch != nil && outMatch != nil {
		in, _ := strconv.ParseInt(inMatch[1], 10, 64)
		out, _ := strconv.ParseInt(outMatch[1], 10, 64)
		return &Cost{
			TokensIn:  in,
			TokensOut: out,
			Cost:      EstimateCost(float64(in), float64(out), model),
		}
	}

	if m := totalCostRe.FindStringSubmatch(output); m != nil {
		cost, _ := strconv.ParseFloat(m[1], 64)
		return &Cost{Cost: cost}
	}

	return nil
}

func scaled(num, suffix string) float64 {
	v, _ := strconv.ParseFloat(num, 64)
	if strings.EqualFold(suffix, "k") {
		v *= 1000
	}
	return v
}
