package models

// RootResponse is the body of GET /.
type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	Identifier string `json:"identifier"`
	Resident   bool   `json:"resident"`
	Device     string `json:"device"`
}

// ModelsResponse is the body of GET /models.
type ModelsResponse struct {
	Models  []ModelInfo `json:"models"`
	Default string      `json:"default"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status                   string   `json:"status"`
	ResidentModelIdentifiers []string `json:"residentModelIdentifiers"`
	WorkerPoolSize           int      `json:"workerPoolSize"`
	Queued                   int      `json:"queued"`
	InFlight                 int      `json:"inFlight"`
	Device                   string   `json:"device"`
	CacheEnabled             bool     `json:"cacheEnabled"`
}

// Health status values.
const (
	StatusOK       = "ok"
	StatusDraining = "draining"
)

// ErrorBody wraps an error for JSON responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the error payload.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
