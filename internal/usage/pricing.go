// ABOUTME: Provider pricing table used to derive cost from token counts
// ABOUTME: Loaded from inline YAML config or a TOML file with ${VAR} expansion

package usage

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Price is the USD cost per million tokens for one provider or model.
type Price struct {
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
}

// PricingTable maps "provider/model" or "provider" to a Price.
type PricingTable map[string]Price

// Lookup returns the most specific price for provider and model.
// The second result is false when neither key is present.
func (p PricingTable) Lookup(provider, model string) (Price, bool) {
	if p == nil {
		return Price{}, false
	}
	if model != "" {
		if price, ok := p[strings.ToLower(provider+"/"+model)]; ok {
			return price, true
		}
	}
	price, ok := p[strings.ToLower(provider)]
	return price, ok
}

// Merge returns a table containing p overlaid with other.
func (p PricingTable) Merge(other PricingTable) PricingTable {
	out := make(PricingTable, len(p)+len(other))
	for k, v := range p {
		out[strings.ToLower(k)] = v
	}
	for k, v := range other {
		out[strings.ToLower(k)] = v
	}
	return out
}

type pricingFile struct {
	Pricing map[string]Price `toml:"pricing"`
}

// LoadPricingFile reads a TOML pricing table:
//
//	[pricing."gemini/gemini-2.0-flash"]
//	input_per_million = 0.10
//	output_per_million = 0.40
func LoadPricingFile(path string) (PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}

	var f pricingFile
	if _, err := toml.Decode(expandEnvVars(string(data)), &f); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}

	table := make(PricingTable, len(f.Pricing))
	for key, price := range f.Pricing {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing %q: prices must be non-negative", key)
		}
		table[strings.ToLower(key)] = price
	}
	return table, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
