package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SymbolLimit bounds what the assistant may trade in one symbol.
type SymbolLimit struct {
	Blocked     bool    `yaml:"blocked"`
	MaxQuantity float64 `yaml:"max_quantity"`
	MaxNotional float64 `yaml:"max_notional"`
}

type rulesFile struct {
	Symbols map[string]SymbolLimit `yaml:"symbols"`
}

// LoadRules reads per-symbol limits from a YAML rules file:
//
//	symbols:
//	  AAPL:
//	    max_quantity: 1000
//	    max_notional: 100000
//	  GME:
//	    blocked: true
func LoadRules(path string) (map[string]SymbolLimit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if f.Symbols == nil {
		f.Symbols = make(map[string]SymbolLimit)
	}
	return f.Symbols, nil
}
