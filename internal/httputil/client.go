package httputil

import (
	"net/http"
	"time"
)

// NewClient returns an HTTP client with transport settings tuned for
// repeated requests to the same host, the shape of agent traffic
// against a gate. No client-level timeout is set; deadlines come from
// per-request contexts.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
