package api

// Route patterns of the build service
const (
	Root        = "/"
	HealthCheck = "/octhc"
	Metrics     = "/metrics"

	// Source archive, keyed by build uuid
	Source = "/{build_uuid}"

	// Build identity endpoints
	Build       = "/{app_key}/{build_number}"
	BuildLogs   = "/{app_key}/{build_number}/logs"
	BuildStatus = "/{app_key}/{build_number}/status"
)

// PublicEndpoints defines endpoints that don't require authentication
var PublicEndpoints = map[string]bool{
	HealthCheck: true,
	Metrics:     true,
}

func IsPublic(path string) bool {
	return PublicEndpoints[path]
}
