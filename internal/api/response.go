package api

// SuccessResponse represents a successful API response
type SuccessResponse struct {
	Ok   bool        `json:"ok"`
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Ok        bool     `json:"ok"`
	ErrorCode string   `json:"errorCode"`
	Message   string   `json:"message,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}

// created makes WithJSONResponse answer 201 instead of 200.
type created struct {
	data interface{}
}
