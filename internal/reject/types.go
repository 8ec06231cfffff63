package reject

import (
	"fmt"
	"net/http"
)

// Taxonomy families.
const (
	KindAuthentication = "authentication"
	KindRateLimit      = "rate_limit"
	KindValidation     = "validation"
	KindFileUpload     = "file_upload"
	KindVersion        = "version"
	KindSession        = "session"
)

// AuthReason says why request signing failed.
type AuthReason string

const (
	MissingSignature AuthReason = "missing_signature"
	InvalidSignature AuthReason = "invalid_signature"
	ReplayOrExpired  AuthReason = "replay_or_expired"
)

// AuthenticationError rejects a request whose signature could not be
// accepted. Status 401.
type AuthenticationError struct {
	Reason AuthReason
}

func (e *AuthenticationError) Error() string   { return "authentication failed: " + string(e.Reason) }
func (e *AuthenticationError) Status() int     { return http.StatusUnauthorized }
func (e *AuthenticationError) Kind() string    { return KindAuthentication }
func (e *AuthenticationError) Code() string    { return string(e.Reason) }
func (e *AuthenticationError) Message() string {
	switch e.Reason {
	case MissingSignature:
		return "Request signature headers are required"
	case ReplayOrExpired:
		return "Request timestamp expired or nonce already used"
	default:
		return "Request signature is invalid"
	}
}

// RateLimitError rejects a request over its limit class. Status 429.
type RateLimitError struct {
	RetryAfter int
	Class      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for class %s, retry after %ds", e.Class, e.RetryAfter)
}
func (e *RateLimitError) Status() int  { return http.StatusTooManyRequests }
func (e *RateLimitError) Kind() string { return KindRateLimit }
func (e *RateLimitError) Code() string { return "exceeded" }
func (e *RateLimitError) Message() string {
	return fmt.Sprintf("Too many requests. Try again in %d seconds.", e.RetryAfter)
}
func (e *RateLimitError) Fields() map[string]any {
	return map[string]any{"retry_after": e.RetryAfter}
}
func (e *RateLimitError) SetHeaders(h http.Header) {
	h.Set("Retry-After", retryAfterHeader(e.RetryAfter))
}

// ValidationReason says why the request body or parameters were refused.
type ValidationReason string

const (
	ThreatDetected   ValidationReason = "threat_detected"
	OversizedRequest ValidationReason = "oversized_request"
	MalformedBody    ValidationReason = "malformed_body"
)

// ValidationError rejects malformed, oversized or malicious input. Status 400,
// or 413 for OversizedRequest.
type ValidationError struct {
	Reason ValidationReason
}

func (e *ValidationError) Error() string { return "invalid request: " + string(e.Reason) }
func (e *ValidationError) Status() int {
	if e.Reason == OversizedRequest {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
func (e *ValidationError) Kind() string { return KindValidation }
func (e *ValidationError) Code() string { return string(e.Reason) }
func (e *ValidationError) Message() string {
	switch e.Reason {
	case ThreatDetected:
		return "Malicious input detected"
	case OversizedRequest:
		return "Request body exceeds the allowed size"
	default:
		return "Request body could not be parsed"
	}
}

// UploadReason classifies a single file problem.
type UploadReason string

const (
	TooLarge         UploadReason = "too_large"
	DisallowedType   UploadReason = "disallowed_type"
	ContentMismatch  UploadReason = "content_mismatch"
	MalwareSignature UploadReason = "malware_signature"
)

// FileProblem is one finding for one uploaded file.
type FileProblem struct {
	Reason UploadReason `json:"reason"`
	Detail string       `json:"detail"`
}

// FileReport lists every problem found in one uploaded file.
type FileReport struct {
	Field    string        `json:"field"`
	Filename string        `json:"filename"`
	Problems []FileProblem `json:"errors"`
}

// FileUploadError aggregates per-file validation and scan findings. Status 400.
type FileUploadError struct {
	Files []FileReport
}

func (e *FileUploadError) Error() string {
	return fmt.Sprintf("file upload rejected: %d file(s) failed validation", len(e.Files))
}
func (e *FileUploadError) Status() int  { return http.StatusBadRequest }
func (e *FileUploadError) Kind() string { return KindFileUpload }

// Code reports the first reason found, which is enough for metrics labels.
func (e *FileUploadError) Code() string {
	for _, f := range e.Files {
		for _, p := range f.Problems {
			return string(p.Reason)
		}
	}
	return "invalid"
}
func (e *FileUploadError) Message() string { return "One or more uploaded files were rejected" }
func (e *FileUploadError) Fields() map[string]any {
	return map[string]any{"files": e.Files}
}

// VersionReason is the outcome of version negotiation.
type VersionReason string

const (
	VersionMissing      VersionReason = "missing"
	VersionInvalid      VersionReason = "invalid"
	VersionIncompatible VersionReason = "incompatible"
	VersionDeprecated   VersionReason = "deprecated"
	VersionSunset       VersionReason = "sunset"
)

// VersionError rejects a request for an unusable API version. Status 400, or
// 410 once the version is past its sunset date.
type VersionError struct {
	Reason    VersionReason
	Requested string
	Supported []string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("api version %q rejected: %s", e.Requested, e.Reason)
}
func (e *VersionError) Status() int {
	if e.Reason == VersionSunset {
		return http.StatusGone
	}
	return http.StatusBadRequest
}
func (e *VersionError) Kind() string { return KindVersion }
func (e *VersionError) Code() string { return string(e.Reason) }
func (e *VersionError) Message() string {
	switch e.Reason {
	case VersionMissing:
		return "An API version is required for this endpoint"
	case VersionInvalid:
		return "API version format is invalid"
	case VersionSunset:
		return fmt.Sprintf("API version %s is no longer available", e.Requested)
	default:
		return fmt.Sprintf("API version %s is not supported", e.Requested)
	}
}
func (e *VersionError) Fields() map[string]any {
	if len(e.Supported) == 0 {
		return nil
	}
	return map[string]any{"supported_versions": e.Supported}
}

// SessionReason says why a session was destroyed.
type SessionReason string

const (
	SessionInvalid  SessionReason = "invalid"
	SessionExpired  SessionReason = "expired"
	SessionFixation SessionReason = "fixation"
	SessionHijack   SessionReason = "hijack"
)

// SessionError rejects a request whose session failed validation. The session
// has already been flushed when this is returned. Status 403.
type SessionError struct {
	Reason SessionReason
}

func (e *SessionError) Error() string { return "session rejected: " + string(e.Reason) }
func (e *SessionError) Status() int   { return http.StatusForbidden }
func (e *SessionError) Kind() string  { return KindSession }
func (e *SessionError) Code() string  { return string(e.Reason) }
func (e *SessionError) Message() string {
	if e.Reason == SessionExpired {
		return "Session expired, please sign in again"
	}
	return "Session is no longer valid, please sign in again"
}
