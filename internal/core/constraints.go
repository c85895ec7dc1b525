package core

import (
	"slices"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
)

func constraintsMatch(constraints []Constraint, c Context) bool {
	for _, constraint := range constraints {
		if !constraintMatches(constraint, c) {
			return false
		}
	}
	return true
}

func constraintMatches(constraint Constraint, c Context) bool {
	result := evaluateConstraint(constraint, c)
	if constraint.Inverted {
		return !result
	}
	return result
}

func evaluateConstraint(constraint Constraint, c Context) bool {
	value, present := c.Field(constraint.ContextName)

	switch constraint.Operator {
	case OperatorIn:
		return present && slices.Contains(constraint.Values, value)
	case OperatorNotIn:
		return !present || !slices.Contains(constraint.Values, value)
	}

	if !present {
		return false
	}

	switch constraint.Operator {
	case OperatorStrContains, OperatorStrStartsWith, OperatorStrEndsWith:
		return matchString(constraint, value)
	case OperatorNumEq, OperatorNumGt, OperatorNumGte, OperatorNumLt, OperatorNumLte:
		return matchNumber(constraint.Operator, value, constraint.Value)
	case OperatorDateAfter, OperatorDateBefore:
		return matchDate(constraint.Operator, value, constraint.Value)
	case OperatorSemverEq, OperatorSemverGt, OperatorSemverLt:
		return matchSemver(constraint.Operator, value, constraint.Value)
	default:
		return false
	}
}

func matchString(constraint Constraint, value string) bool {
	var match func(s, substr string) bool
	switch constraint.Operator {
	case OperatorStrContains:
		match = strings.Contains
	case OperatorStrStartsWith:
		match = strings.HasPrefix
	default:
		match = strings.HasSuffix
	}
	if constraint.CaseInsensitive {
		value = strings.ToLower(value)
	}
	for _, candidate := range constraint.Values {
		if constraint.CaseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		if match(value, candidate) {
			return true
		}
	}
	return false
}

func matchNumber(op Operator, contextValue, constraintValue string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(contextValue), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(constraintValue), 64)
	if err != nil {
		return false
	}
	switch op {
	case OperatorNumEq:
		return left == right
	case OperatorNumGt:
		return left > right
	case OperatorNumGte:
		return left >= right
	case OperatorNumLt:
		return left < right
	default:
		return left <= right
	}
}

func matchDate(op Operator, contextValue, constraintValue string) bool {
	left := ParseTime(contextValue)
	right := ParseTime(constraintValue)
	if left == nil || right == nil {
		return false
	}
	if op == OperatorDateAfter {
		return left.After(*right)
	}
	return left.Before(*right)
}

func matchSemver(op Operator, contextValue, constraintValue string) bool {
	left, err := semver.Parse(strings.TrimSpace(contextValue))
	if err != nil {
		return false
	}
	right, err := semver.Parse(strings.TrimSpace(constraintValue))
	if err != nil {
		return false
	}
	switch op {
	case OperatorSemverEq:
		return left.EQ(right)
	case OperatorSemverGt:
		return left.GT(right)
	default:
		return left.LT(right)
	}
}
