// ABOUTME: SSRF-safe HTTP client for fetching operator-configured scrape targets.
// ABOUTME: Blocks private and loopback address ranges and disables redirects.
package task

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for eligibility page
// fetches. Scrape URLs are operator-configured, not student-supplied, but
// a mistyped URL must still never reach internal addresses. Redirect
// following is disabled; timeout is 15 seconds.
func BuildSafeClient() (*http.Client, error) {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(15 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client, nil
}
