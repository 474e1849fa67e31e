// Package urlhealth validates organization URLs and proposes repairs for
// broken ones. Repairs are applied automatically only above a confidence
// threshold; everything below it is left for manual review.
package urlhealth

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// URL check outcomes
const (
	StatusValid      = "valid"
	StatusRedirected = "redirected"
	StatusBroken     = "broken"
)

// Result is the outcome of checking one URL
type Result struct {
	Status     string
	HTTPStatus int
	FinalURL   string
	Err        error
}

// Validator probes URLs over HTTP with a bounded redirect budget
type Validator struct {
	client       *http.Client
	maxRedirects int
}

// NewValidator creates a URL validator. Redirects beyond maxRedirects count
// as broken.
func NewValidator(timeout time.Duration, maxRedirects int) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	v := &Validator{maxRedirects: maxRedirects}
	v.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= v.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", v.maxRedirects)
			}
			return nil
		},
	}

	return v
}

// Check probes a URL. A 2xx at the original address is valid; a 2xx reached
// through redirects is redirected; everything else, including transport
// errors and redirect-budget exhaustion, is broken.
func (v *Validator) Check(ctx context.Context, rawURL string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Status: StatusBroken, Err: err}
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{Status: StatusBroken, Err: err}
	}
	defer resp.Body.Close()

	result := Result{
		HTTPStatus: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Status = StatusBroken
		return result
	}

	if result.FinalURL != rawURL {
		result.Status = StatusRedirected
		return result
	}

	result.Status = StatusValid
	return result
}

// Healthy reports whether a probe result is usable without repair
func (r Result) Healthy() bool {
	return r.Status == StatusValid || r.Status == StatusRedirected
}
