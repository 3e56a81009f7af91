package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Transition triggers.
const (
	TriggerManual    = "manual"
	TriggerAgent     = "agent"
	TriggerAutomatic = "automatic"
)

// Hook execution policies.
const (
	PolicyBestEffort    = "best_effort"
	PolicyRequired      = "required"
	PolicyFireAndForget = "fire_and_forget"
)

// PipelineStatus is one status in a pipeline's ordered status list. The
// first status is the initial status for new tasks.
type PipelineStatus struct {
	Name    string `json:"name" yaml:"name"`
	Label   string `json:"label" yaml:"label"`
	Color   string `json:"color,omitempty" yaml:"color,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty" yaml:"isFinal,omitempty"`
}

// GuardRef names a registered guard with optional parameters.
type GuardRef struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// HookRef names a registered hook with optional parameters and a policy.
// An empty policy means best_effort.
type HookRef struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Policy string         `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// EffectivePolicy resolves the default policy.
func (h HookRef) EffectivePolicy() string {
	if h.Policy == "" {
		return PolicyBestEffort
	}
	return h.Policy
}

// Transition is one rule in a pipeline's transition table.
type Transition struct {
	From         string     `json:"from" yaml:"from"`
	To           string     `json:"to" yaml:"to"`
	Trigger      string     `json:"trigger" yaml:"trigger"`
	AgentOutcome string     `json:"agentOutcome,omitempty" yaml:"agentOutcome,omitempty"`
	Label        string     `json:"label,omitempty" yaml:"label,omitempty"`
	Guards       []GuardRef `json:"guards,omitempty" yaml:"guards,omitempty"`
	Hooks        []HookRef  `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// Pipeline is a named state machine: ordered statuses plus transitions.
type Pipeline struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	TaskType    string           `json:"taskType" yaml:"taskType"`
	Statuses    []PipelineStatus `json:"statuses" yaml:"statuses"`
	Transitions []Transition     `json:"transitions" yaml:"transitions"`
	CreatedAt   int64            `json:"createdAt,omitempty" yaml:"-"`
	UpdatedAt   int64            `json:"updatedAt,omitempty" yaml:"-"`
}

// InitialStatus returns the name of the first declared status.
func (p *Pipeline) InitialStatus() string {
	if len(p.Statuses) == 0 {
		return ""
	}
	return p.Statuses[0].Name
}

// HasStatus reports whether name is a declared status.
func (p *Pipeline) HasStatus(name string) bool {
	for _, s := range p.Statuses {
		if s.Name == name {
			return true
		}
	}
	return false
}

// StatusByName returns the declared status with the given name.
func (p *Pipeline) StatusByName(name string) (PipelineStatus, bool) {
	for _, s := range p.Statuses {
		if s.Name == name {
			return s, true
		}
	}
	return PipelineStatus{}, false
}

// FirstFinalStatus returns the first declared status marked final.
func (p *Pipeline) FirstFinalStatus() (PipelineStatus, bool) {
	for _, s := range p.Statuses {
		if s.IsFinal {
			return s, true
		}
	}
	return PipelineStatus{}, false
}

// IsFinalStatus reports whether name is a declared final status.
func (p *Pipeline) IsFinalStatus(name string) bool {
	s, ok := p.StatusByName(name)
	return ok && s.IsFinal
}

// Validate enforces the structural invariants: every transition endpoint
// references a declared status, and every agent-triggered transition
// carries an agent outcome.
func (p *Pipeline) Validate() error {
	if p.TaskType == "" {
		return fmt.Errorf("pipeline %q: taskType is required", p.Name)
	}
	if len(p.Statuses) == 0 {
		return fmt.Errorf("pipeline %q: at least one status is required", p.Name)
	}
	seen := make(map[string]bool, len(p.Statuses))
	for _, s := range p.Statuses {
		if s.Name == "" {
			return fmt.Errorf("pipeline %q: status with empty name", p.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %q: duplicate status %q", p.Name, s.Name)
		}
		seen[s.Name] = true
	}
	for i, t := range p.Transitions {
		if !seen[t.From] {
			return fmt.Errorf("pipeline %q: transition %d references unknown from status %q", p.Name, i, t.From)
		}
		if !seen[t.To] {
			return fmt.Errorf("pipeline %q: transition %d references unknown to status %q", p.Name, i, t.To)
		}
		switch t.Trigger {
		case TriggerManual, TriggerAgent, TriggerAutomatic:
		default:
			return fmt.Errorf("pipeline %q: transition %d has invalid trigger %q", p.Name, i, t.Trigger)
		}
		if t.Trigger == TriggerAgent && t.AgentOutcome == "" {
			return fmt.Errorf("pipeline %q: agent transition %d (%s -> %s) requires an agentOutcome", p.Name, i, t.From, t.To)
		}
		for _, h := range t.Hooks {
			switch h.Policy {
			case "", PolicyBestEffort, PolicyRequired, PolicyFireAndForget:
			default:
				return fmt.Errorf("pipeline %q: transition %d hook %q has invalid policy %q", p.Name, i, h.Name, h.Policy)
			}
		}
	}
	return nil
}

// ExportPipelineJSON renders a pipeline as portable, indented JSON.
func ExportPipelineJSON(p *Pipeline) ([]byte, error) {
	out := *p
	out.CreatedAt = 0
	out.UpdatedAt = 0
	return json.MarshalIndent(&out, "", "  ")
}

// ExportPipelineYAML renders a pipeline as portable YAML.
func ExportPipelineYAML(p *Pipeline) ([]byte, error) {
	out := *p
	out.CreatedAt = 0
	out.UpdatedAt = 0
	return yaml.Marshal(&out)
}

// ImportPipeline parses a pipeline from JSON or YAML and validates it.
// JSON is tried first; YAML is a superset fallback for .yaml exports.
func ImportPipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		if yerr := yaml.Unmarshal(data, &p); yerr != nil {
			return nil, fmt.Errorf("failed to parse pipeline: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
