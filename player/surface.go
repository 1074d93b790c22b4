package player

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Surface is the embedded document the player points at provider URLs.
// Navigate must report the load outcome exactly once through result; Blank
// clears whatever is loaded. Implementations decide what "loaded" means -
// the providers offer no contract beyond "loads or doesn't".
type Surface interface {
	Navigate(url string, result func(err error))
	Blank()
}

// ProbeSurface is a headless Surface that treats an HTTP fetch of the embed
// URL as the load signal: any response below 500 counts as loaded, since
// providers serve their player shell even for titles they then fail on.
type ProbeSurface struct {
	Client *http.Client
}

// NewProbeSurface builds a probe surface with sane outbound timeouts.
func NewProbeSurface() *ProbeSurface {
	return &ProbeSurface{
		Client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 4,
			},
			Timeout: 15 * time.Second,
		},
	}
}

func (s *ProbeSurface) Navigate(url string, result func(err error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.Client.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			result(err)
			return
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			result(err)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			result(&ProviderError{URL: url, Status: resp.StatusCode})
			return
		}
		result(nil)
	}()
}

func (s *ProbeSurface) Blank() {}

// ProviderError reports a provider responding but refusing to serve.
type ProviderError struct {
	URL    string
	Status int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("player: provider returned status %d for %s", e.Status, e.URL)
}
