// Package policy carries the tunable inputs of the planner and the
// decisioner. The fee thresholds and confidence bands that route between
// actions are environment policy, not code: they load from a YAML
// profile and overlay the defaults. A profile may additionally supply a
// CEL gate expression that can veto auto-execution.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// Profile is one environment's planner/decisioner policy.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	// Fee routing. Amounts are integer cents.
	FeeAutoApproveMaxCents int64 `yaml:"fee_auto_approve_max_cents" json:"fee_auto_approve_max_cents"`
	FeeHardCapCents        int64 `yaml:"fee_hard_cap_cents" json:"fee_hard_cap_cents"`

	// Confidence bands.
	EscalateBelowConfidence float64 `yaml:"escalate_below_confidence" json:"escalate_below_confidence"`
	AutoConfidenceMin       float64 `yaml:"auto_confidence_min" json:"auto_confidence_min"`
	SupervisedConfidenceMin float64 `yaml:"supervised_confidence_min" json:"supervised_confidence_min"`

	// AutoSafeActions may execute without a human in AUTO mode.
	AutoSafeActions []contracts.ActionType `yaml:"auto_safe_actions" json:"auto_safe_actions"`

	// WaitpointTTL bounds how long a gate stays open. Profiles write it
	// as a Go duration string ("336h").
	WaitpointTTL Duration `yaml:"waitpoint_ttl" json:"waitpoint_ttl"`

	// GateExpression is an optional CEL predicate over {proposal, case}.
	// When present it must evaluate to true for auto-execution; any
	// evaluation error denies.
	GateExpression string `yaml:"gate_expression" json:"gate_expression"`
}

// Default returns the baseline profile. Every field can be overridden
// by a YAML profile; none of these numbers is canonical.
func Default() Profile {
	return Profile{
		Name:                    "default",
		FeeAutoApproveMaxCents:  2500,   // $25.00
		FeeHardCapCents:         100000, // $1,000.00
		EscalateBelowConfidence: 0.5,
		AutoConfidenceMin:       0.7,
		SupervisedConfidenceMin: 0.8,
		AutoSafeActions: []contracts.ActionType{
			contracts.ActionSendFollowup,
			contracts.ActionAcceptFee,
			contracts.ActionSendStatusUpdate,
		},
		WaitpointTTL: Duration(14 * 24 * time.Hour),
	}
}

// Duration lets YAML profiles write durations as "90s" or "336h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadFile overlays the profile at path on the defaults.
func LoadFile(path string) (Profile, error) {
	p := Default()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return p, fmt.Errorf("load policy profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy profile %q: %w", path, err)
	}
	return p, p.Validate()
}

// Validate rejects profiles that cannot route anything sensibly.
func (p Profile) Validate() error {
	if p.FeeAutoApproveMaxCents < 0 || p.FeeHardCapCents < 0 {
		return fmt.Errorf("policy %q: fee thresholds must be non-negative", p.Name)
	}
	if p.FeeHardCapCents > 0 && p.FeeAutoApproveMaxCents > p.FeeHardCapCents {
		return fmt.Errorf("policy %q: auto-approve max %d exceeds hard cap %d",
			p.Name, p.FeeAutoApproveMaxCents, p.FeeHardCapCents)
	}
	for _, band := range []float64{p.EscalateBelowConfidence, p.AutoConfidenceMin, p.SupervisedConfidenceMin} {
		if band < 0 || band > 1 {
			return fmt.Errorf("policy %q: confidence bands must sit in [0,1]", p.Name)
		}
	}
	return nil
}

// AutoSafe reports whether the action is on the profile's auto-safe list.
func (p Profile) AutoSafe(action contracts.ActionType) bool {
	for _, a := range p.AutoSafeActions {
		if a == action {
			return true
		}
	}
	return false
}
