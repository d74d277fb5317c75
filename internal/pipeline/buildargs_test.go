package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"NODE_ENV", "NODE_ENV"},
		{"node-env", "nodeenv"},
		{"A;rm -rf /", "Armrf"},
		{"$(id)", "id"},
		{"---", ""},
		{"@#$FOO][bar", "FOObar"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeKey(tt.in))
		})
	}
}

func TestMergeBuildArgs(t *testing.T) {
	defaults := map[string]string{"REGION": "us", "TIER": "free"}
	supplied := map[string]string{"TIER": "paid", "bad key!": "x", "--": "dropped"}

	got := MergeBuildArgs(defaults, supplied)
	assert.Equal(t, map[string]string{
		"REGION": "us",
		"TIER":   "paid",
		"badkey": "x",
	}, got)
}

func TestRewriteDockerfile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		keys    []string
		want    string
	}{
		{
			name:    "no keys",
			content: "FROM alpine\n",
			want:    "FROM alpine\n",
		},
		{
			name:    "single stage",
			content: "FROM alpine\nRUN echo $A\n",
			keys:    []string{"A"},
			want:    "FROM alpine\nARG A\nRUN echo $A\n",
		},
		{
			name:    "multi stage",
			content: "FROM golang AS build\nRUN make\nfrom alpine\nCOPY --from=build /out /\n",
			keys:    []string{"A", "B"},
			want:    "FROM golang AS build\nARG A\nARG B\nRUN make\nfrom alpine\nARG A\nARG B\nCOPY --from=build /out /\n",
		},
		{
			name:    "bare FROM keyword is left alone",
			content: "FROM\n",
			keys:    []string{"A"},
			want:    "FROM\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RewriteDockerfile(tt.content, tt.keys))
		})
	}
}
