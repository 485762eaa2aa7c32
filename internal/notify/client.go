package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultWebhookTimeout bounds a single send_webhook delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// BuildSafeClient returns the *http.Client used by send_webhook jobs.
// Private and loopback destinations are refused, only http and https on the
// standard ports are allowed, and redirects are returned to the caller
// rather than followed (Send then fails on the 3xx).
func BuildSafeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
