package errors

// APIError is the JSON body written for failed requests.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// ToAPIError converts any error into the response body. Internal failures
// hide their cause.
func ToAPIError(err error) *APIError {
	kind := KindOf(err)
	msg := MessageOf(err)
	if kind == KindInternal {
		msg = "internal server error"
	}
	return &APIError{
		StatusCode: HTTPStatus(kind),
		ErrorCode:  string(kind),
		Message:    msg,
	}
}

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
