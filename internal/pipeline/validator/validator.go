package validator

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

type Validator interface {
	ValidateBuildConfig(req *types.BuildRequest) error
	ValidateBuildContext(dir string) error
}

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

type RequestValidator struct{}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{}
}

func (v *RequestValidator) ValidateBuildConfig(req *types.BuildRequest) error {
	if req == nil {
		return &ValidationError{Field: "body", Reason: "missing build request"}
	}

	id, err := uuid.Parse(req.BuildUUID)
	if err != nil || len(req.BuildUUID) != 36 {
		return &ValidationError{Field: "build_uuid", Reason: "must be a uuid"}
	}
	if id.Version() != 4 {
		return &ValidationError{Field: "build_uuid", Reason: "must be a version 4 uuid"}
	}

	if !namePattern.MatchString(req.App) {
		return &ValidationError{Field: "app", Reason: "must be alphanumeric"}
	}
	if !namePattern.MatchString(req.AppUUID) {
		return &ValidationError{Field: "app_uuid", Reason: "must be alphanumeric or dashes"}
	}
	if req.BuildNumber < 1 {
		return &ValidationError{Field: "build_number", Reason: "must be positive"}
	}
	if req.Sources == "" {
		return &ValidationError{Field: "sources", Reason: "is required"}
	}
	if req.RegistryHost == "" {
		return &ValidationError{Field: "gm_registry_host", Reason: "is required"}
	}
	if req.RegistryRepo == "" {
		return &ValidationError{Field: "gm_registry_repo", Reason: "is required"}
	}

	if req.Callback != "" {
		u, err := url.Parse(req.Callback)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "callback", Reason: "must be an http(s) url"}
		}
	}

	return nil
}

// ValidateBuildContext checks that extracted sources can be built.
func (v *RequestValidator) ValidateBuildContext(dir string) error {
	info, err := os.Stat(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("Dockerfile not found in sources: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("Dockerfile is a directory")
	}
	return nil
}
