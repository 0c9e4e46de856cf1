package httpdto

// Response is the envelope for every JSON body the API returns. Errors carry
// a stable kebab-case Code and the request id so the portal can quote it.
type Response[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

func NewErrorResponse(message, code string) Response[any] {
	return Response[any]{Error: message, Code: code}
}

// WithRequestID returns a copy of r tagged with requestID.
func (r Response[T]) WithRequestID(requestID string) Response[T] {
	r.RequestID = requestID
	return r
}
