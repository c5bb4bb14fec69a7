package middleware

// Details returned for requests that never reach a handler. The body
// shape matches the handlers' error responses.
const (
	detailInternal    = "internal server error"
	detailRateLimited = "too many requests"
	detailTimeout     = "request timed out"
)
