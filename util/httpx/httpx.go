package httpx

import (
	"net"
	"net/http"
	"time"
)

// Shared outbound client for gateway calls. Timeout doubles as the bound on
// every gateway suspension point: a timed-out call is an unknown outcome, not
// a failure.
var defaultClient = &http.Client{
	Timeout: 10 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

func Client() *http.Client { return defaultClient }
