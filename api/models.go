package api

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// ConfigErrorResponse is returned from GET /config when the configuration
// is incomplete or the master key is malformed.
type ConfigErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Missing map[string]bool `json:"missing,omitempty"`
}

// UploadResponse is returned from POST /upload.
type UploadResponse struct {
	CID       string `json:"cid"`
	PinSize   int64  `json:"pinSize"`
	Timestamp string `json:"timestamp"`
	MetaHash  string `json:"metaHash"`
}

// UploadFileResponse is returned from POST /upload-file.
type UploadFileResponse struct {
	CID       string `json:"cid"`
	PinSize   int64  `json:"pinSize"`
	Timestamp string `json:"timestamp"`
	SHA256    string `json:"sha256"`
	FileName  string `json:"fileName"`
}
