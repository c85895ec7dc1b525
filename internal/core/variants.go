package core

import (
	"slices"

	"github.com/zeebo/xxh3"
)

// normalizedHash maps (groupID, id) onto 1..normalizer. The same inputs
// always land in the same bucket.
func normalizedHash(id, groupID string, normalizer uint64) int {
	return int(xxh3.HashString(groupID+":"+id)%normalizer) + 1
}

func variantHash(id, groupID string, normalizer uint64) int {
	return int(xxh3.HashString("variant:"+groupID+":"+id)%normalizer) + 1
}

func selectVariant(variants []VariantDefinition, groupID string, c Context) (VariantDefinition, bool) {
	total := 0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		return VariantDefinition{}, false
	}

	for _, v := range variants {
		for _, o := range v.Overrides {
			if value, ok := c.Field(o.ContextName); ok && slices.Contains(o.Values, value) {
				return v, true
			}
		}
	}

	target := variantHash(stickinessValue(variants[0].Stickiness, c), groupID, uint64(total))
	counter := 0
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		counter += v.Weight
		if counter >= target {
			return v, true
		}
	}
	return VariantDefinition{}, false
}

func stickinessValue(stickiness string, c Context) string {
	if stickiness == "" || stickiness == "default" {
		return firstNonEmpty(c.UserID, c.SessionID, c.RemoteAddress, randomID())
	}
	if stickiness == "random" {
		return randomID()
	}
	if v, ok := c.Field(stickiness); ok {
		return v
	}
	return randomID()
}
