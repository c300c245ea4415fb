package clients

import (
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient creates a Binance REST client whose requests give up after timeout.
// Empty credentials are fine for public market data.
func NewBinanceClient(apiKey, apiSecret string, timeout time.Duration) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}
	return client
}
