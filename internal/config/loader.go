package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"gopkg.in/yaml.v2"
)

// envFunc exposes environment variables to HCL expressions as env("NAME").
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

// LoadFile reads, decodes, defaults and validates a configuration file.
// Rule chains from rule_chains_file are appended after the inline ones;
// a relative path is resolved against the config file's directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}

	if cfg.RuleChainsFile != "" {
		chainsPath := cfg.RuleChainsFile
		if !filepath.IsAbs(chainsPath) {
			chainsPath = filepath.Join(filepath.Dir(path), chainsPath)
		}
		extra, err := LoadRuleChainsFile(chainsPath)
		if err != nil {
			return nil, err
		}
		cfg.RuleChains = append(cfg.RuleChains, extra...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes HCL (or HCL-flavoured JSON, chosen by extension) and
// applies defaults. It does not validate.
func Parse(filename string, data []byte) (*Config, error) {
	name := filename
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".hcl", ".json":
	default:
		name = filename + ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(name, data, evalContext(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

type ruleChainsDocument struct {
	Chains []RuleChain `json:"chains" yaml:"chains"`
}

// LoadRuleChainsFile reads rule chains from a YAML (.yaml/.yml) or JSON
// document with a top-level "chains" list.
func LoadRuleChainsFile(path string) ([]RuleChain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule chains file: %w", err)
	}

	var doc ruleChainsDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported rule chains file type: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule chains file %s: %w", path, err)
	}

	for i := range doc.Chains {
		doc.Chains[i].Action = normalizeAction(doc.Chains[i].Action)
	}
	return doc.Chains, nil
}

func normalizeAction(action string) string {
	a := strings.ToLower(strings.TrimSpace(action))
	a = strings.ReplaceAll(a, "-", "_")
	if a == "logonly" || a == "log" {
		return ActionLogOnly
	}
	return a
}
