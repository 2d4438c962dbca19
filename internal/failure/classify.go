// Package failure maps errors from any component into a closed taxonomy of
// failure codes with a retryable flag. Every ToolFailed/ProviderFailed event
// payload carries fields drawn from this taxonomy.
package failure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Code is one member of the closed failure taxonomy.
type Code string

const (
	UnknownError         Code = "unknown_error"
	Timeout              Code = "timeout"
	RateLimited          Code = "rate_limited"
	NetworkError         Code = "network_error"
	NotFound             Code = "not_found"
	ValidationError      Code = "validation_error"
	PolicyDenied         Code = "policy_denied"
	PermissionDenied     Code = "permission_denied"
	ProcessFailed        Code = "process_failed"
	ToolError            Code = "tool_error"
	ProviderTimeout      Code = "provider_timeout"
	ProviderConnectError Code = "provider_connect_error"
	ProviderReadError    Code = "provider_read_error"
	ProviderRequestError Code = "provider_request_error"
	ProviderRateLimited  Code = "provider_rate_limited"
	ProviderServerError  Code = "provider_server_error"
	ProviderClientError  Code = "provider_client_error"
	ProviderHTTPError    Code = "provider_http_error"
)

// Info describes one classified failure.
type Info struct {
	Code      Code   `json:"code"`
	Retryable bool   `json:"retryable"`
	Category  string `json:"category"`
}

// catalog fixes the retryable flag and category per code.
var catalog = map[Code]Info{
	UnknownError:         {UnknownError, false, "unknown"},
	Timeout:              {Timeout, true, "transient"},
	RateLimited:          {RateLimited, true, "transient"},
	NetworkError:         {NetworkError, true, "transient"},
	NotFound:             {NotFound, false, "not_found"},
	ValidationError:      {ValidationError, false, "validation"},
	PolicyDenied:         {PolicyDenied, false, "policy"},
	PermissionDenied:     {PermissionDenied, false, "permission"},
	ProcessFailed:        {ProcessFailed, false, "process"},
	ToolError:            {ToolError, false, "tool"},
	ProviderTimeout:      {ProviderTimeout, true, "provider"},
	ProviderConnectError: {ProviderConnectError, true, "provider"},
	ProviderReadError:    {ProviderReadError, true, "provider"},
	ProviderRequestError: {ProviderRequestError, false, "provider"},
	ProviderRateLimited:  {ProviderRateLimited, true, "provider"},
	ProviderServerError:  {ProviderServerError, true, "provider"},
	ProviderClientError:  {ProviderClientError, false, "provider"},
	ProviderHTTPError:    {ProviderHTTPError, false, "provider"},
}

// Lookup returns the fixed Info for a code, falling back to unknown_error.
func Lookup(code Code) Info {
	if info, ok := catalog[code]; ok {
		return info
	}
	return catalog[UnknownError]
}

// IsMember reports whether a code string belongs to the closed taxonomy.
func IsMember(code string) bool {
	_, ok := catalog[Code(code)]
	return ok
}

// HTTPError carries an HTTP status so classification can map by status class.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// heuristics match lowercased error text, first match wins.
var heuristics = []struct {
	pattern *regexp.Regexp
	code    Code
}{
	{regexp.MustCompile(`deadline exceeded|timed? ?out`), Timeout},
	{regexp.MustCompile(`rate.?limit|too many requests|\b429\b`), RateLimited},
	{regexp.MustCompile(`not authorized|policy denied|denied by policy|requires explicit approval`), PolicyDenied},
	{regexp.MustCompile(`permission denied|access denied|forbidden`), PermissionDenied},
	{regexp.MustCompile(`connection refused|connection reset|no such host|network is unreachable|broken pipe|\beof\b`), NetworkError},
	{regexp.MustCompile(`not found|no such file|does not exist`), NotFound},
	{regexp.MustCompile(`invalid|schema|missing required|must be|unknown field`), ValidationError},
	{regexp.MustCompile(`exit status|signal: |process exited`), ProcessFailed},
}

// Classify maps an error to the taxonomy. Nil errors classify as unknown.
func Classify(err error) Info {
	if err == nil {
		return Lookup(UnknownError)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyHTTPStatus(httpErr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Lookup(Timeout)
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage maps a raw error string to the taxonomy using substring and
// regex heuristics on the lowercased message.
func ClassifyMessage(msg string) Info {
	lower := strings.ToLower(msg)
	for _, h := range heuristics {
		if h.pattern.MatchString(lower) {
			return Lookup(h.code)
		}
	}
	return Lookup(UnknownError)
}

// ClassifyHTTPStatus maps an HTTP status to a provider failure code:
// 429 rate-limited, 5xx server (retryable), other 4xx client (not).
func ClassifyHTTPStatus(status int) Info {
	switch {
	case status == 429:
		return Lookup(ProviderRateLimited)
	case status >= 500:
		return Lookup(ProviderServerError)
	case status >= 400:
		return Lookup(ProviderClientError)
	default:
		return Lookup(ProviderHTTPError)
	}
}

// ClassifyProvider maps a provider-call error, routing non-HTTP transport
// failures to provider_* codes.
func ClassifyProvider(err error) Info {
	if err == nil {
		return Lookup(UnknownError)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyHTTPStatus(httpErr.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Lookup(ProviderTimeout)
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return Lookup(ProviderTimeout)
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return Lookup(ProviderRateLimited)
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") || strings.Contains(lower, "dial tcp"):
		return Lookup(ProviderConnectError)
	case strings.Contains(lower, "unexpected eof") || strings.Contains(lower, "read:") || strings.Contains(lower, "connection reset"):
		return Lookup(ProviderReadError)
	case strings.Contains(lower, "invalid request") || strings.Contains(lower, "marshal") || strings.Contains(lower, "encode"):
		return Lookup(ProviderRequestError)
	default:
		return ClassifyMessage(err.Error())
	}
}
