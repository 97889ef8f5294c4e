package common

type contextKey string

const (
	TraceIdKey           contextKey = "trace_id"
	LicenseContextKey    contextKey = "license_context"
	ClaimsContextKey     contextKey = "claims"
	IdentifierContextKey contextKey = "rate_limit_identifier"
)
