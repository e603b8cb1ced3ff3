package service

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/ContentForge/internal/config"
	"github.com/Strob0t/ContentForge/internal/domain/agent"
)

//go:embed agentdefs/*.yaml
var agentDefs embed.FS

type agentFile struct {
	agent.Definition `yaml:",inline"`
	System           string `yaml:"system"`
	Prompt           string `yaml:"prompt"`
	InputSchema      string `yaml:"input_schema"`
	OutputSchema     string `yaml:"output_schema"`
}

// BuiltinAgentSpecs returns the embedded LLM agent definitions with the
// per-agent overrides from cfg applied, sorted by name.
func BuiltinAgentSpecs(overrides map[string]config.Agent) ([]LLMAgentSpec, error) {
	entries, err := agentDefs.ReadDir("agentdefs")
	if err != nil {
		return nil, err
	}
	specs := make([]LLMAgentSpec, 0, len(entries))
	for _, e := range entries {
		data, err := agentDefs.ReadFile(path.Join("agentdefs", e.Name()))
		if err != nil {
			return nil, err
		}
		var f agentFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse agent %s: %w", e.Name(), err)
		}
		def := f.Definition
		def.InputSchema = json.RawMessage(f.InputSchema)
		def.OutputSchema = json.RawMessage(f.OutputSchema)
		if o, ok := overrides[def.Name]; ok {
			def = applyAgentOverride(def, o)
		}
		specs = append(specs, LLMAgentSpec{Definition: def, System: f.System, Prompt: f.Prompt})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Definition.Name < specs[j].Definition.Name })
	return specs, nil
}

func applyAgentOverride(def agent.Definition, o config.Agent) agent.Definition {
	if len(o.AllowedModels) > 0 {
		def.AllowedModels = o.AllowedModels
	}
	if o.Preference != "" {
		def.Preference = o.Preference
	}
	if o.CacheTTL > 0 {
		def.CacheTTL = o.CacheTTL
	}
	if o.Timeout > 0 {
		def.Timeout = o.Timeout
	}
	if o.Retry.MaxAttempts > 0 {
		def.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.Base > 0 {
		def.Retry.Base = o.Retry.Base
	}
	if o.Retry.Factor >= 1 {
		def.Retry.Factor = o.Retry.Factor
	}
	if o.Retry.Cap > 0 {
		def.Retry.Cap = o.Retry.Cap
	}
	if o.Temperature > 0 {
		def.Temperature = o.Temperature
	}
	if o.MaxTokens > 0 {
		def.MaxTokens = o.MaxTokens
	}
	return def
}

// BuildAgents constructs every built-in LLM agent plus the trend research
// tool agent.
func BuildAgents(cfg config.Config, models ModelInvoker, cache *ResponseCache, research *TrendResearchAgent) (*AgentRunner, error) {
	specs, err := BuiltinAgentSpecs(cfg.Agents)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(specs)+1)
	for _, s := range specs {
		a, err := NewLLMAgent(s, models, cache)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if research != nil {
		agents = append(agents, research)
	}
	return NewAgentRunner(agents...), nil
}
