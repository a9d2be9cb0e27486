// Package response defines the envelope every request resolves to,
// regardless of outcome.
package response

// Meta carries per-request bookkeeping.
type Meta struct {
	StatusCode int     `json:"statusCode"`
	Duration   float64 `json:"duration,omitempty"` // milliseconds
	Profile    any     `json:"profile,omitempty"`
	Explain    any     `json:"explain,omitempty"`
}

// Cursor describes the pagination window of a list response. Page, Limit,
// and TotalPage are only set on explicitly paged requests.
type Cursor struct {
	TotalCount *int `json:"totalCount"`
	Page       int  `json:"page,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	TotalPage  int  `json:"totalPage,omitempty"`
}

// Error is the public error shape. Message is sanitized for non-request
// errors unless error exposure is enabled.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Response is the engine's reply envelope.
type Response struct {
	Meta   Meta    `json:"meta"`
	Cursor *Cursor `json:"cursor,omitempty"`
	Error  *Error  `json:"error,omitempty"`
	Data   any     `json:"data"`
}
