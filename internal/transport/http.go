package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportAuto           = "auto"
)

// CreateStreamableHTTPClient creates a new MCP client using the
// streamable HTTP transport.
func CreateStreamableHTTPClient(url string) (*client.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}

	httpTransport, err := transport.NewStreamableHTTP(url,
		transport.WithHTTPTimeout(180*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// CreateSSEClient creates a new MCP client using SSE transport
func CreateSSEClient(url string) (*client.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	// Long timeout and keep-alives for the persistent SSE stream.
	httpClient := &http.Client{
		Timeout: 180 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			MaxIdleConnsPerHost: 5,
		},
	}

	sseClient, err := client.NewSSEMCPClient(url, client.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	return sseClient, nil
}

// DetermineTransportType resolves the upstream transport for a URL given
// the configured protocol. "auto" picks SSE for /sse endpoints and
// streamable HTTP otherwise.
func DetermineTransportType(url, protocol string) string {
	if protocol != "" && protocol != TransportAuto {
		return protocol
	}

	trimmed := strings.TrimSuffix(url, "/")
	if strings.HasSuffix(trimmed, "/sse") {
		return TransportSSE
	}

	return TransportStreamableHTTP
}

// CreateClient creates an MCP client for the resolved transport type.
func CreateClient(url, protocol string) (*client.Client, error) {
	switch DetermineTransportType(url, protocol) {
	case TransportSSE:
		return CreateSSEClient(url)
	case TransportStreamableHTTP:
		return CreateStreamableHTTPClient(url)
	default:
		return nil, fmt.Errorf("unsupported transport protocol: %q", protocol)
	}
}
