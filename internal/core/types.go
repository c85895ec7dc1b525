package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Context is the set of attributes a toggle is evaluated against. Empty
// fields are omitted so two equal contexts always serialise identically.
type Context struct {
	AppName       string            `json:"appName,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	CurrentTime   *time.Time        `json:"currentTime,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// Field resolves a context field by the name used in constraints, stickiness
// and overrides. Unknown names are looked up in Properties.
func (c Context) Field(name string) (string, bool) {
	var v string
	switch name {
	case "appName":
		v = c.AppName
	case "environment":
		v = c.Environment
	case "userId":
		v = c.UserID
	case "sessionId":
		v = c.SessionID
	case "remoteAddress":
		v = c.RemoteAddress
	case "currentTime":
		if c.CurrentTime == nil {
			return time.Now().UTC().Format(time.RFC3339Nano), true
		}
		v = c.CurrentTime.UTC().Format(time.RFC3339Nano)
	default:
		v = c.Properties[name]
	}
	return v, v != ""
}

// Clone returns a copy whose Properties map can be mutated independently.
func (c Context) Clone() Context {
	out := c
	if c.Properties != nil {
		out.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	if c.CurrentTime != nil {
		t := *c.CurrentTime
		out.CurrentTime = &t
	}
	return out
}

// Operator is a constraint operator as sent by the upstream API.
type Operator string

const (
	OperatorIn            Operator = "IN"
	OperatorNotIn         Operator = "NOT_IN"
	OperatorStrContains   Operator = "STR_CONTAINS"
	OperatorStrStartsWith Operator = "STR_STARTS_WITH"
	OperatorStrEndsWith   Operator = "STR_ENDS_WITH"
	OperatorNumEq         Operator = "NUM_EQ"
	OperatorNumGt         Operator = "NUM_GT"
	OperatorNumGte        Operator = "NUM_GTE"
	OperatorNumLt         Operator = "NUM_LT"
	OperatorNumLte        Operator = "NUM_LTE"
	OperatorDateAfter     Operator = "DATE_AFTER"
	OperatorDateBefore    Operator = "DATE_BEFORE"
	OperatorSemverEq      Operator = "SEMVER_EQ"
	OperatorSemverGt      Operator = "SEMVER_GT"
	OperatorSemverLt      Operator = "SEMVER_LT"
)

type Constraint struct {
	ContextName     string   `json:"contextName"`
	Operator        Operator `json:"operator"`
	Values          []string `json:"values,omitempty"`
	Value           string   `json:"value,omitempty"`
	Inverted        bool     `json:"inverted,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`
}

type Segment struct {
	ID          int          `json:"id"`
	Name        string       `json:"name,omitempty"`
	Constraints []Constraint `json:"constraints"`
}

// Parameters holds strategy parameters. The upstream API sends them as
// strings but older servers emit bare numbers, so values are kept raw.
type Parameters map[string]any

// String returns the parameter as a string, formatting numbers without
// a trailing fraction.
func (p Parameters) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the parameter parsed as an integer, or fallback.
func (p Parameters) Int(key string, fallback int) int {
	s := p.String(key)
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return fallback
}

type StrategyDefinition struct {
	Name        string              `json:"name"`
	Parameters  Parameters          `json:"parameters,omitempty"`
	Constraints []Constraint        `json:"constraints,omitempty"`
	Segments    []int               `json:"segments,omitempty"`
	Variants    []VariantDefinition `json:"variants,omitempty"`
	Disabled    bool                `json:"disabled,omitempty"`
}

type Payload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Override struct {
	ContextName string   `json:"contextName"`
	Values      []string `json:"values"`
}

type VariantDefinition struct {
	Name       string     `json:"name"`
	Weight     int        `json:"weight"`
	WeightType string     `json:"weightType,omitempty"`
	Stickiness string     `json:"stickiness,omitempty"`
	Payload    *Payload   `json:"payload,omitempty"`
	Overrides  []Override `json:"overrides,omitempty"`
}

// Feature is a toggle definition as delivered by the upstream client API.
type Feature struct {
	Name           string               `json:"name"`
	Type           string               `json:"type,omitempty"`
	Description    string               `json:"description,omitempty"`
	Project        string               `json:"project,omitempty"`
	Enabled        bool                 `json:"enabled"`
	Stale          bool                 `json:"stale,omitempty"`
	ImpressionData bool                 `json:"impressionData,omitempty"`
	Strategies     []StrategyDefinition `json:"strategies"`
	Variants       []VariantDefinition  `json:"variants,omitempty"`
}

// Features is the body of the upstream client features endpoint; the proxy
// serves the same shape to server-side SDKs.
type Features struct {
	Version  int       `json:"version"`
	Features []Feature `json:"features"`
	Segments []Segment `json:"segments,omitempty"`
}

// Variant is the variant assigned to a toggle for one context.
type Variant struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Payload *Payload `json:"payload,omitempty"`
}

// DisabledVariant is returned when a toggle is off or has no variants.
var DisabledVariant = Variant{Name: "disabled", Enabled: false}

// ToggleStatus is the evaluated result of one toggle for one context.
type ToggleStatus struct {
	Name           string  `json:"name"`
	Enabled        bool    `json:"enabled"`
	Variant        Variant `json:"variant"`
	ImpressionData bool    `json:"impressionData"`
}
