package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itlightning/dateparse"
)

const propertiesKey = "properties"

var rootFields = map[string]struct{}{
	"appName":       {},
	"environment":   {},
	"userId":        {},
	"sessionId":     {},
	"remoteAddress": {},
	"currentTime":   {},
	propertiesKey:   {},
}

// BuildContext converts decoded request input into a Context.
//
// Recognised root fields are copied as-is; every other key is moved into
// Properties, and keys inside an explicit "properties" object win on
// collision. Empty values are dropped, and a currentTime that cannot be parsed
// is treated as absent.
func BuildContext(input map[string]any) Context {
	c := Context{
		AppName:       rootValue(input["appName"]),
		Environment:   rootValue(input["environment"]),
		UserID:        rootValue(input["userId"]),
		SessionID:     rootValue(input["sessionId"]),
		RemoteAddress: rootValue(input["remoteAddress"]),
		CurrentTime:   ParseTime(rootValue(input["currentTime"])),
	}

	props := make(map[string]string)
	for key, value := range input {
		if _, ok := rootFields[key]; ok {
			continue
		}
		if s, ok := scalarString(value); ok && s != "" {
			props[key] = s
		}
	}

	// Explicit properties win over top-level keys, including empty ones.
	switch explicit := input[propertiesKey].(type) {
	case map[string]any:
		for key, value := range explicit {
			if s, ok := scalarString(value); ok && s != "" {
				props[key] = s
			} else {
				delete(props, key)
			}
		}
	case map[string]string:
		for key, value := range explicit {
			if value != "" {
				props[key] = value
			} else {
				delete(props, key)
			}
		}
	}

	if len(props) > 0 {
		c.Properties = props
	}
	return c
}

// QueryInput flattens query parameters into BuildContext input. Deep-object
// keys such as properties[region]=eu are collected into a nested properties
// object. Repeated keys keep their first value.
func QueryInput(values url.Values) map[string]any {
	input := make(map[string]any, len(values))
	var props map[string]any
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if inner, ok := deepObjectKey(key); ok {
			if props == nil {
				props = make(map[string]any)
			}
			props[inner] = vals[0]
			continue
		}
		if key == propertiesKey {
			continue
		}
		input[key] = vals[0]
	}
	if props != nil {
		input[propertiesKey] = props
	}
	return input
}

// ParseTime parses an ISO-8601 timestamp, falling back to lenient date
// parsing. It returns nil when s is empty or unparseable.
func ParseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return &t
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	return &t
}

// Enricher transforms a context before evaluation. It may perform I/O.
type Enricher func(ctx context.Context, c Context) (Context, error)

// Enrich applies enrichers in order, feeding each the previous result. The
// first error aborts the chain.
func Enrich(ctx context.Context, c Context, enrichers []Enricher) (Context, error) {
	for i, enrich := range enrichers {
		next, err := enrich(ctx, c)
		if err != nil {
			return Context{}, fmt.Errorf("context enricher %d: %w", i, err)
		}
		c = next
	}
	return c, nil
}

func deepObjectKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, propertiesKey+"[")
	if !ok {
		return "", false
	}
	inner, ok := strings.CutSuffix(rest, "]")
	if !ok || inner == "" {
		return "", false
	}
	return inner, true
}

// rootValue returns the string form of a root field, treating false and zero
// as absent.
func rootValue(v any) string {
	switch t := v.(type) {
	case bool:
		if !t {
			return ""
		}
	case float64:
		if t == 0 {
			return ""
		}
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return ""
		}
	}
	s, _ := scalarString(v)
	return s
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
