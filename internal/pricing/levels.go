package pricing

import (
	"fmt"
	"strings"
)

// Role is an approval authority. Roles form a strict total order:
// analyst < senior_analyst < manager < director.
type Role int

const (
	RoleUnknown Role = iota
	RoleAnalyst
	RoleSeniorAnalyst
	RoleManager
	RoleDirector
)

var roleNames = map[Role]string{
	RoleAnalyst:       "analyst",
	RoleSeniorAnalyst: "senior_analyst",
	RoleManager:       "manager",
	RoleDirector:      "director",
}

// Roles returns every valid role, lowest authority first.
func Roles() []Role {
	return []Role{RoleAnalyst, RoleSeniorAnalyst, RoleManager, RoleDirector}
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	return r >= RoleAnalyst && r <= RoleDirector
}

// Covers reports whether a holder of r may resolve a recommendation that
// requires the given authority. This is the only role comparison in the
// codebase; both approval checks and pending-queue filtering go through it.
func (r Role) Covers(required Role) bool {
	return r.Valid() && required.Valid() && r >= required
}

// ParseRole parses the snake_case name of a role.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	for r, name := range roleNames {
		if name == norm {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*r = RoleUnknown
		return nil
	}
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RiskLevel is the risk tier of a recommendation or the severity of a
// guardrail violation.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (l RiskLevel) String() string {
	if name, ok := riskNames[l]; ok {
		return name
	}
	return "unknown"
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l >= other
}

// ParseRiskLevel parses "low", "medium", "high" or "critical".
func ParseRiskLevel(s string) (RiskLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for l, name := range riskNames {
		if name == norm {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *RiskLevel) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*l = 0
		return nil
	}
	parsed, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Status is the approval lifecycle state of a recommendation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decision is what an approver chose.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Status maps a decision onto the terminal status it produces.
func (d Decision) Status() (Status, error) {
	switch d {
	case DecisionApproved:
		return StatusApproved, nil
	case DecisionRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown decision %q", string(d))
	}
}

// Stage identifies the pipeline step that produced a note or a rejection.
type Stage string

const (
	StageInput    Stage = "input_guardrail"
	StageCatalog  Stage = "catalog"
	StageOracle   Stage = "oracle"
	StageFallback Stage = "fallback"
	StageRevenue  Stage = "revenue"
	StageSafety   Stage = "safety_guardrail"
	StageRisk     Stage = "risk"
	StageApproval Stage = "approval"
)
