package clients

import (
	"net/http"
	"time"

	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient creates a Bybit client, authenticated only when a key is given.
// The client takes no context, so timeout is the only bound on a request.
func NewBybitClient(apiKey, apiSecret string, timeout time.Duration) *bybit.Client {
	client := bybit.NewClient()
	if timeout > 0 {
		client = client.WithHTTPClient(&http.Client{Timeout: timeout})
	}
	if apiKey != "" {
		client = client.WithAuth(apiKey, apiSecret)
	}
	return client
}
