package server

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/matt-riley/flagz-proxy/internal/service"
)

type validationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type validator struct {
	issues []validationIssue
}

func (v *validator) fail(path, format string, args ...any) {
	v.issues = append(v.issues, validationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) object(path string, value any) (map[string]any, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		v.fail(path, "must be an object")
	}
	return obj, ok
}

func (v *validator) required(obj map[string]any, path string, names ...string) {
	for _, name := range names {
		if _, ok := obj[name]; !ok {
			v.fail(join(path, name), "is required")
		}
	}
}

func (v *validator) optionalString(obj map[string]any, path, name string) {
	if value, ok := obj[name]; ok {
		if _, isString := value.(string); !isString {
			v.fail(join(path, name), "must be a string")
		}
	}
}

func (v *validator) dateTime(path string, value any) {
	s, ok := value.(string)
	if !ok {
		v.fail(path, "must be a date-time string")
		return
	}
	if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
		v.fail(path, "must be an RFC 3339 date-time")
	}
}

func (v *validator) count(path string, value any) int {
	n, ok := value.(json.Number)
	if !ok {
		v.fail(path, "must be an integer")
		return 0
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt32 {
		v.fail(path, "must be an integer")
		return 0
	}
	if f < 0 {
		v.fail(path, "must be >= 0")
		return 0
	}
	return int(f)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// parseMetricsBucket validates a client metrics payload and extracts the
// usage counts from it.
func parseMetricsBucket(body any) (service.MetricsBucket, []validationIssue) {
	v := &validator{}
	root, ok := v.object("", body)
	if !ok {
		return service.MetricsBucket{}, v.issues
	}
	v.required(root, "", "appName", "instanceId", "bucket")
	v.optionalString(root, "", "appName")
	v.optionalString(root, "", "instanceId")
	v.optionalString(root, "", "environment")

	out := service.MetricsBucket{Toggles: map[string]service.ToggleCount{}}
	rawBucket, present := root["bucket"]
	if !present {
		return out, v.issues
	}
	bucket, ok := v.object("bucket", rawBucket)
	if !ok {
		return out, v.issues
	}
	v.required(bucket, "bucket", "start", "stop", "toggles")
	for _, name := range []string{"start", "stop"} {
		if value, ok := bucket[name]; ok {
			v.dateTime("bucket."+name, value)
		}
	}

	rawToggles, present := bucket["toggles"]
	if !present {
		return out, v.issues
	}
	toggles, ok := v.object("bucket.toggles", rawToggles)
	if !ok {
		return out, v.issues
	}
	for _, name := range slices.Sorted(maps.Keys(toggles)) {
		path := "bucket.toggles." + name
		entry, ok := v.object(path, toggles[name])
		if !ok {
			continue
		}
		var tc service.ToggleCount
		if value, ok := entry["yes"]; ok {
			tc.Yes = v.count(path+".yes", value)
		}
		if value, ok := entry["no"]; ok {
			tc.No = v.count(path+".no", value)
		}
		if value, ok := entry["variants"]; ok {
			if variants, ok := v.object(path+".variants", value); ok {
				tc.Variants = make(map[string]int, len(variants))
				for _, variant := range slices.Sorted(maps.Keys(variants)) {
					tc.Variants[variant] = v.count(path+".variants."+variant, variants[variant])
				}
			}
		}
		out.Toggles[name] = tc
	}
	return out, v.issues
}

// validateRegistration checks a client registration payload.
func validateRegistration(body any) []validationIssue {
	v := &validator{}
	root, ok := v.object("", body)
	if !ok {
		return v.issues
	}
	v.required(root, "", "appName", "interval", "started", "strategies")
	v.optionalString(root, "", "appName")
	v.optionalString(root, "", "instanceId")
	v.optionalString(root, "", "sdkVersion")
	v.optionalString(root, "", "environment")

	if value, ok := root["interval"]; ok {
		if _, isNumber := value.(json.Number); !isNumber {
			v.fail("interval", "must be a number")
		}
	}
	if value, ok := root["started"]; ok {
		if _, isNumber := value.(json.Number); !isNumber {
			v.dateTime("started", value)
		}
	}
	if value, ok := root["strategies"]; ok {
		list, isList := value.([]any)
		if !isList {
			v.fail("strategies", "must be an array")
		}
		for i, item := range list {
			if _, isString := item.(string); !isString {
				v.fail(fmt.Sprintf("strategies.%d", i), "must be a string")
			}
		}
	}
	return v.issues
}
