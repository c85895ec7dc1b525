// Package strategy loads declarative custom activation strategies from a
// YAML file and keeps them current while the file changes.
//
// File format:
//
//	strategies:
//	  - name: enterprisePlan
//	    kind: parameter-match
//	    contextField: plan
//	    parameter: plans
//	  - name: internalEmail
//	    kind: regex
//	    contextField: email
//	    pattern: "@example\\.com$"
//	  - name: killSwitch
//	    kind: constant
//	    enabled: false
package strategy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

const (
	KindConstant       = "constant"
	KindParameterMatch = "parameter-match"
	KindRegex          = "regex"
)

var errNoStrategies = errors.New("strategies file defines no strategies")

type fileSpec struct {
	Strategies []definition `yaml:"strategies"`
}

type definition struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	ContextField string `yaml:"contextField"`
	Parameter    string `yaml:"parameter"`
	Pattern      string `yaml:"pattern"`
	Enabled      *bool  `yaml:"enabled"`
}

// LoadFile reads and validates a strategies file.
func LoadFile(path string) ([]core.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a strategies document. Every definition must be valid or
// the whole document is rejected.
func Parse(data []byte) ([]core.Strategy, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	if len(spec.Strategies) == 0 {
		return nil, errNoStrategies
	}

	seen := make(map[string]struct{}, len(spec.Strategies))
	out := make([]core.Strategy, 0, len(spec.Strategies))
	for i, def := range spec.Strategies {
		s, err := def.build()
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("strategies[%d]: duplicate name %q", i, s.Name())
		}
		seen[s.Name()] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func (d definition) build() (core.Strategy, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, errors.New("name is required")
	}

	switch d.Kind {
	case KindConstant:
		if d.Enabled == nil {
			return nil, fmt.Errorf("%s: enabled is required for kind %q", name, d.Kind)
		}
		return constantStrategy{name: name, enabled: *d.Enabled}, nil
	case KindParameterMatch:
		if d.ContextField == "" || d.Parameter == "" {
			return nil, fmt.Errorf("%s: contextField and parameter are required for kind %q", name, d.Kind)
		}
		return parameterMatchStrategy{name: name, field: d.ContextField, parameter: d.Parameter}, nil
	case KindRegex:
		if d.ContextField == "" {
			return nil, fmt.Errorf("%s: contextField is required for kind %q", name, d.Kind)
		}
		s := regexStrategy{name: name, field: d.ContextField, parameter: d.Parameter}
		if d.Pattern != "" {
			re, err := regexp.Compile(d.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%s: compile pattern: %w", name, err)
			}
			s.pattern = re
		} else if d.Parameter == "" {
			return nil, fmt.Errorf("%s: pattern or parameter is required for kind %q", name, d.Kind)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%s: unknown kind %q", name, d.Kind)
	}
}

type constantStrategy struct {
	name    string
	enabled bool
}

func (s constantStrategy) Name() string { return s.name }

func (s constantStrategy) IsEnabled(core.Parameters, core.Context) (bool, error) {
	return s.enabled, nil
}

// parameterMatchStrategy is on when the context field equals one of the
// comma separated values of a strategy parameter.
type parameterMatchStrategy struct {
	name      string
	field     string
	parameter string
}

func (s parameterMatchStrategy) Name() string { return s.name }

func (s parameterMatchStrategy) IsEnabled(p core.Parameters, c core.Context) (bool, error) {
	value, ok := c.Field(s.field)
	if !ok {
		return false, nil
	}
	allowed := strings.Split(p.String(s.parameter), ",")
	for i := range allowed {
		allowed[i] = strings.TrimSpace(allowed[i])
	}
	return slices.Contains(allowed, value), nil
}

// regexStrategy matches the context field against a fixed pattern, or a
// pattern taken from a strategy parameter at evaluation time.
type regexStrategy struct {
	name      string
	field     string
	parameter string
	pattern   *regexp.Regexp
}

func (s regexStrategy) Name() string { return s.name }

func (s regexStrategy) IsEnabled(p core.Parameters, c core.Context) (bool, error) {
	value, ok := c.Field(s.field)
	if !ok {
		return false, nil
	}
	re := s.pattern
	if re == nil {
		var err error
		if re, err = regexp.Compile(p.String(s.parameter)); err != nil {
			return false, fmt.Errorf("compile %s parameter: %w", s.parameter, err)
		}
	}
	return re.MatchString(value), nil
}
