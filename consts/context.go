package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// RequestIDKey carries the per-request identifier assigned by the HTTP
	// layer so that gateway and cache log lines can be correlated.
	RequestIDKey = ContextKey("request_id")
)
