package hxerr

// Result is the envelope returned by every synchronous core operation.
// Success carries data; failure carries the structured error and never
// a Go panic or a raw driver error.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Err     *Error `json:"error,omitempty"`
}

// OK wraps data in a successful result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail wraps an error in a failed result, mapping database errors to
// their stable codes on the way out.
func Fail(err error) *Result {
	return &Result{Success: false, Err: FromDB(err)}
}

// Failf builds a failed result from a code and message.
func Failf(code Code, format string, args ...any) *Result {
	return &Result{Success: false, Err: New(code, format, args...)}
}
