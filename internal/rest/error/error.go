package error

// ApiError is the JSON error body of the public API.
type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
