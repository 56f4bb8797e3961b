package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineTransportType(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		protocol string
		expected string
	}{
		{
			name:     "explicit sse wins",
			url:      "http://localhost:9000/mcp",
			protocol: "sse",
			expected: TransportSSE,
		},
		{
			name:     "explicit streamable-http wins",
			url:      "http://localhost:9000/sse",
			protocol: "streamable-http",
			expected: TransportStreamableHTTP,
		},
		{
			name:     "auto detects sse suffix",
			url:      "http://localhost:9000/sse",
			protocol: "auto",
			expected: TransportSSE,
		},
		{
			name:     "auto detects sse suffix with trailing slash",
			url:      "http://localhost:9000/sse/",
			protocol: "",
			expected: TransportSSE,
		},
		{
			name:     "auto defaults to streamable http",
			url:      "http://localhost:9000/mcp",
			protocol: "auto",
			expected: TransportStreamableHTTP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetermineTransportType(tt.url, tt.protocol))
		})
	}
}

func TestCreateClientRequiresURL(t *testing.T) {
	_, err := CreateStreamableHTTPClient("")
	require.Error(t, err)

	_, err = CreateSSEClient("")
	require.Error(t, err)
}

func TestCreateClient(t *testing.T) {
	c, err := CreateClient("http://localhost:9000/mcp", "auto")
	require.NoError(t, err)
	require.NotNil(t, c)

	c, err = CreateClient("http://localhost:9000/sse", "sse")
	require.NoError(t, err)
	require.NotNil(t, c)
}
