package core

import (
	"math/rand/v2"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
)

func builtinStrategies() []Strategy {
	return []Strategy{
		defaultStrategy{},
		userWithIDStrategy{},
		flexibleRolloutStrategy{},
		gradualRolloutStrategy{name: "gradualRolloutUserId", field: "userId"},
		gradualRolloutStrategy{name: "gradualRolloutSessionId", field: "sessionId"},
		gradualRolloutRandomStrategy{},
		remoteAddressStrategy{},
		applicationHostnameStrategy{hostname: hostname()},
	}
}

type defaultStrategy struct{}

func (defaultStrategy) Name() string { return "default" }

func (defaultStrategy) IsEnabled(Parameters, Context) (bool, error) { return true, nil }

type userWithIDStrategy struct{}

func (userWithIDStrategy) Name() string { return "userWithId" }

func (userWithIDStrategy) IsEnabled(p Parameters, c Context) (bool, error) {
	if c.UserID == "" {
		return false, nil
	}
	return slices.Contains(splitParam(p.String("userIds")), c.UserID), nil
}

type flexibleRolloutStrategy struct{}

func (flexibleRolloutStrategy) Name() string { return "flexibleRollout" }

func (flexibleRolloutStrategy) IsEnabled(p Parameters, c Context) (bool, error) {
	rollout := p.Int("rollout", 0)
	stickiness := p.String("stickiness")
	if stickiness == "" {
		stickiness = "default"
	}

	var id string
	switch stickiness {
	case "default":
		id = firstNonEmpty(c.UserID, c.SessionID, randomID())
	case "random":
		id = randomID()
	default:
		var ok bool
		if id, ok = c.Field(stickiness); !ok {
			return false, nil
		}
	}
	return rollout > 0 && normalizedHash(id, p.String("groupId"), 100) <= rollout, nil
}

type gradualRolloutStrategy struct {
	name  string
	field string
}

func (s gradualRolloutStrategy) Name() string { return s.name }

func (s gradualRolloutStrategy) IsEnabled(p Parameters, c Context) (bool, error) {
	id, ok := c.Field(s.field)
	if !ok {
		return false, nil
	}
	percentage := p.Int("percentage", 0)
	return percentage > 0 && normalizedHash(id, p.String("groupId"), 100) <= percentage, nil
}

type gradualRolloutRandomStrategy struct{}

func (gradualRolloutRandomStrategy) Name() string { return "gradualRolloutRandom" }

func (gradualRolloutRandomStrategy) IsEnabled(p Parameters, _ Context) (bool, error) {
	percentage := p.Int("percentage", 0)
	return percentage > 0 && rand.IntN(100)+1 <= percentage, nil
}

type remoteAddressStrategy struct{}

func (remoteAddressStrategy) Name() string { return "remoteAddress" }

func (remoteAddressStrategy) IsEnabled(p Parameters, c Context) (bool, error) {
	if c.RemoteAddress == "" {
		return false, nil
	}
	addr, addrErr := netip.ParseAddr(c.RemoteAddress)
	for _, entry := range splitParam(p.String("IPs")) {
		if entry == c.RemoteAddress {
			return true, nil
		}
		if addrErr != nil || !strings.Contains(entry, "/") {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

type applicationHostnameStrategy struct {
	hostname string
}

func (applicationHostnameStrategy) Name() string { return "applicationHostname" }

func (s applicationHostnameStrategy) IsEnabled(p Parameters, _ Context) (bool, error) {
	for _, h := range splitParam(p.String("hostNames")) {
		if strings.EqualFold(h, s.hostname) {
			return true, nil
		}
	}
	return false, nil
}

func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	h, _ := os.Hostname()
	return h
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func randomID() string {
	return strconv.FormatUint(rand.Uint64(), 36)
}
