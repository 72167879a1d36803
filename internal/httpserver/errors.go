package httpserver

const (
	ErrInvalidJSON     = "invalid json"
	ErrMissingTenantID = "missing tenant id"
	ErrMissingID       = "missing id"
)
