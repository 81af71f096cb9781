package models

// Error codes returned by the status API.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
)

// ErrorDetail is the error body of a failed status API request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an ErrorDetail.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"` // "running" or "done"
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// ResultsResponse is the response for GET /api/v1/results.
type ResultsResponse struct {
	Total   int            `json:"total"`
	Results []ScrapeResult `json:"results"`
}
