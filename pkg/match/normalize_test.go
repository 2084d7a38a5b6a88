package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePattern(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"**/*.csv":             "**/*.csv",
		`exports\2026/*.csv`:   "exports/2026/*.csv",
		"./logs//**":           "logs/**",
		"/abs/*.txt":           "abs/*.txt",
		"././a":                "a",
		`report\[1\].txt`:      `report\[1\].txt`,
		`name\*`:               `name\*`,
		`dir\`:                 "dir/",
		"  tmp/**  ":           "tmp/**",
		`a\\b`:                 `a\\b`,
		`data\2026\file\*.txt`: `data/2026/file\*.txt`,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePattern(in), "pattern %q", in)
	}
}

func TestIsHidden(t *testing.T) {
	hidden := []string{".env", ".cache/tmp", "a/.git/config", "a/b/.keep", "a/..b"}
	visible := []string{"", "a.txt", "a/b.txt", "file.", "../x", "./a", "_tmp/x"}

	for _, p := range hidden {
		assert.True(t, IsHidden(p), p)
	}
	for _, p := range visible {
		assert.False(t, IsHidden(p), p)
	}
}
