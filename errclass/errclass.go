// Package errclass classifies errors from external processes and HTTP calls
// into the recovery-relevant kinds named in the error handling design: a
// generalization of the teacher's download-specific error classifier into a
// shared classifier every adapter in this repository uses.
package errclass

import "strings"

// Kind is one bucket of the error taxonomy. It governs how the pipeline
// engine reacts to a stage failure, not how the failure is logged.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigMissing
	KindCookieInvalid
	KindTransientNetwork
	KindRateLimited
	KindFormatUnsupported
	KindExternalBinaryMissing
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "config_missing"
	case KindCookieInvalid:
		return "cookie_invalid"
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindFormatUnsupported:
		return "format_unsupported"
	case KindExternalBinaryMissing:
		return "external_binary_missing"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a step experiencing this kind of error should be
// retried in place rather than surfaced as a stage failure.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// cookiePatterns are substrings seen in downloader/stderr output when the
// source site demands a fresh login cookie (anti-bot gating).
var cookiePatterns = []string{
	"sign in to confirm",
	"login required",
	"cookies are no longer valid",
	"please log in",
	"http error 403",
	"unable to extract",
}

var configMissingPatterns = []string{
	"api key", "api_key", "not configured", "missing credential", "no token",
}

var transientPatterns = []string{
	"timeout", "timed out", "connection reset", "connection refused",
	"temporary failure", "eof", "broken pipe", "i/o timeout",
	"502", "503", "504", "500 internal server error",
}

var rateLimitPatterns = []string{
	"429", "rate limit", "too many requests", "quota exceeded",
}

var formatUnsupportedPatterns = []string{
	"response_format", "unsupported format", "format not supported", "invalid response_format",
}

var binaryMissingPatterns = []string{
	"executable file not found", "no such file or directory", "not recognized as an internal",
	"binary not found", "not executable",
}

// Classify inspects the textual content of err (and any extra context
// strings, e.g. a subprocess's captured stderr) and returns the most
// specific matching Kind. It never panics on a nil error; callers should
// check err != nil first.
func Classify(err error, extra ...string) Kind {
	if err == nil {
		return KindUnknown
	}
	text := strings.ToLower(err.Error())
	for _, e := range extra {
		text += " " + strings.ToLower(e)
	}

	if containsAny(text, binaryMissingPatterns) {
		return KindExternalBinaryMissing
	}
	if containsAny(text, cookiePatterns) {
		return KindCookieInvalid
	}
	if containsAny(text, formatUnsupportedPatterns) {
		return KindFormatUnsupported
	}
	if containsAny(text, rateLimitPatterns) {
		return KindRateLimited
	}
	if containsAny(text, transientPatterns) {
		return KindTransientNetwork
	}
	if containsAny(text, configMissingPatterns) {
		return KindConfigMissing
	}
	return KindFatal
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// IsRetryable is a convenience wrapper equivalent to Classify(err).Retryable().
func IsRetryable(err error, extra ...string) bool {
	return Classify(err, extra...).Retryable()
}
