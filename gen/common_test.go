package gen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeProgress(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"45", "45"},
		{"45%", "45"},
		{"Rendering 45% done", "45"},
		{"100", "100"},
		{"150", "100"}, // 超界收敛
		{"0", "0"},
		{"", ""},
		{"unknown", ""},
		{"%", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeProgress(tt.raw), "raw=%q", tt.raw)
	}
}

func TestReadErrorMessage(t *testing.T) {
	msg := ReadErrorMessage(strings.NewReader(`{"error":{"message":"broken","type":"bad_request"}}`))
	assert.Equal(t, "broken (type: bad_request)", msg)

	msg = ReadErrorMessage(strings.NewReader(`{"message":"flat style"}`))
	assert.Equal(t, "flat style", msg)

	msg = ReadErrorMessage(strings.NewReader("plain text failure"))
	assert.Equal(t, "plain text failure", msg)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/v1/x", JoinURL("https://api.example.com/", "/v1/x"))
	assert.Equal(t, "https://api.example.com/v1/x", JoinURL("https://api.example.com", "v1/x"))
}
