package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{"exact", "user1:ui.theme:global", "user1:ui.theme:global", true},
		{"trailing wildcard spans rest", "user1:*", "user1:ui.theme:global", true},
		{"trailing wildcard other user", "user1:*", "user2:ui.theme:global", false},
		{"star matches everything", "*", "user1:ui.theme:global", true},
		{"leading wildcard one segment", "*:ui.theme:proj1", "user9:ui.theme:proj1", true},
		{"leading wildcard wrong project", "*:ui.theme:proj1", "user9:ui.theme:proj2", false},
		{"middle wildcard", "user1:ui.*:global", "user1:ui.theme:global", true},
		{"category scoped", "user1:auth.*:project1", "user1:auth.mfa:project1", true},
		{"category scoped other category", "user1:auth.*:project1", "user1:ui.theme:project1", false},
		{"delimiter must match", "user1.*", "user1:ui", false},
		{"pattern longer than key", "user1:ui.theme:global:x", "user1:ui.theme:global", false},
		{"key longer than pattern", "user1:ui", "user1:ui.theme", false},
		{"prefix is not a match", "user1", "user10:ui.theme:global", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.key))
		})
	}
}

func TestRedisGlob(t *testing.T) {
	assert.Equal(t, "user1:*", redisGlob("user1:*"))
	assert.Equal(t, "*:ui.theme:proj1", redisGlob("*:ui.theme:proj1"))
	assert.Equal(t, `odd\[key\]:*`, redisGlob("odd[key]:*"))
}

func TestHasWildcard(t *testing.T) {
	assert.True(t, HasWildcard("user1:*"))
	assert.False(t, HasWildcard("user1:ui.theme:global"))
	assert.False(t, HasWildcard("user1:ui*"))
}
