package server

import "fmt"

// OAuth 2.0 / 2.1 error codes (RFC 6749 §5.2, RFC 7591 §3.2.2).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnauthorized            = "unauthorized"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeRateLimited             = "rate_limit_exceeded"
	ErrorCodeServerError             = "server_error"
)

// FlowError is a flow failure carrying an RFC 6749 error code. The HTTP
// adapter maps the code to a wire response; everything else is an internal
// server error.
type FlowError struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func flowError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

// invalidGrant is the deliberately generic failure for anything wrong with
// a code or token. Missing, expired, consumed, and PKCE-mismatched are
// indistinguishable on the wire.
func invalidGrant() *FlowError {
	return flowError(ErrorCodeInvalidGrant, "invalid authorization grant")
}
