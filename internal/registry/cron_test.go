package registry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vetfleet/internal/domain"
	"vetfleet/internal/registry"
)

func TestMatchField(t *testing.T) {
	cases := []struct {
		expr  string
		value int
		want  bool
	}{
		{"*", 17, true},
		{"5", 5, true},
		{"5", 6, false},
		{"1-5", 3, true},
		{"1-5", 6, false},
		{"*/15", 30, true},
		{"*/15", 31, false},
		{"10/20", 30, true},
		{"10/20", 5, false},
		{"1,15,30", 15, true},
		{"1,15,30", 16, false},
		{"0-4,*/30", 30, true},
		{"x", 0, false},
		{"*/0", 0, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, registry.MatchField(c.expr, c.value), "%s @ %d", c.expr, c.value)
	}
}

func TestIsDue(t *testing.T) {
	// Monday 2025-03-10 06:00 UTC.
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	agent := func(cron, status string) domain.AgentRegistration {
		return domain.AgentRegistration{AgentID: "a", ScheduleCron: cron, Status: status}
	}
	assert.True(t, registry.IsDue(agent("0 6 * * 1", domain.AgentActive), now))
	assert.True(t, registry.IsDue(agent("*/5 * * * *", domain.AgentActive), now))
	assert.False(t, registry.IsDue(agent("0 6 * * 2", domain.AgentActive), now))
	assert.False(t, registry.IsDue(agent("0 6 * * 1", domain.AgentPaused), now))
	assert.False(t, registry.IsDue(agent("", domain.AgentActive), now))
	assert.False(t, registry.IsDue(agent("0 6 * *", domain.AgentActive), now))

	tokyo := time.FixedZone("JST", 9*3600)
	assert.True(t, registry.IsDue(agent("0 6 * * 1", domain.AgentActive), now.In(tokyo)))
}

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"* * * * *", "0 6 * * 1", "*/15 8-18 * * 1-5", "0,30 * 1 1,6 *"} {
		assert.NoError(t, registry.ValidateSchedule(ok), ok)
	}
	for _, bad := range []string{"", "* * * *", "a * * * *", "1,,2 * * * *", "* * * * * *"} {
		assert.Error(t, registry.ValidateSchedule(bad), bad)
	}
}
