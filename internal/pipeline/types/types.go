package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusStopped   BuildStatus = "stopped"
	BuildStatusTimeout   BuildStatus = "timeout"
)

// Terminal reports whether no further status may follow s.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSucceeded, BuildStatusFailed, BuildStatusStopped, BuildStatusTimeout:
		return true
	}
	return false
}

// Worker process exit codes.
const (
	ExitSuccess       = 0
	ExitUncaught      = 125
	ExitTimeout       = 126
	ExitPipelineError = 127
)

type RegistryAuth struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Email         string `json:"email,omitempty"`
	ServerAddress string `json:"serveraddress,omitempty"`
}

// BuildRequest is the job unit handed from the accepting process to a worker.
type BuildRequest struct {
	App            string            `json:"app"`
	AppUUID        string            `json:"app_uuid"`
	Space          string            `json:"space"`
	BuildNumber    int               `json:"build_number"`
	BuildUUID      string            `json:"build_uuid"`
	Sources        string            `json:"sources"`
	RegistryHost   string            `json:"gm_registry_host"`
	RegistryRepo   string            `json:"gm_registry_repo"`
	RegistryAuth   *RegistryAuth     `json:"gm_registry_auth,omitempty"`
	DockerLogin    string            `json:"docker_login,omitempty"`
	DockerPassword string            `json:"docker_password,omitempty"`
	Callback       string            `json:"callback,omitempty"`
	CallbackAuth   string            `json:"callback_auth,omitempty"`
	BuildArgs      map[string]string `json:"build_args,omitempty"`
	KafkaHosts     string            `json:"kafka_hosts,omitempty"`
	Repo           string            `json:"repo,omitempty"`
	Branch         string            `json:"branch,omitempty"`
	SHA            string            `json:"sha,omitempty"`
}

// AppKey is the app-instance component of the identity, as used in URLs.
func (r *BuildRequest) AppKey() string {
	return r.App + "-" + r.AppUUID
}

// Identity names the single live execution unit allowed for this request.
func (r *BuildRequest) Identity() string {
	return Identity(r.AppKey(), r.BuildNumber)
}

// LogKey is the artifact key of the accumulated build log.
func (r *BuildRequest) LogKey() string {
	return LogKey(r.AppKey(), r.BuildNumber)
}

// Repository is the target image repository without tag.
func (r *BuildRequest) Repository() string {
	return fmt.Sprintf("%s/%s/%s", r.RegistryHost, r.RegistryRepo, r.AppKey())
}

// Tag is the numbered tag for this build.
func (r *BuildRequest) Tag() string {
	return "1." + strconv.Itoa(r.BuildNumber)
}

// Topic metadata used to partition bus messages per app and space.
func (r *BuildRequest) Metadata() string {
	return r.App + "-" + r.Space
}

func Identity(appKey string, buildNumber int) string {
	return appKey + "-" + strconv.Itoa(buildNumber)
}

func LogKey(appKey string, buildNumber int) string {
	return Identity(appKey, buildNumber) + ".logs"
}

// EncodePayload serializes a request for the worker's PAYLOAD variable.
func EncodePayload(r *BuildRequest) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodePayload(payload string) (*BuildRequest, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	var r BuildRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return &r, nil
}

// Event is one structured progress record emitted by the build pipeline.
type Event struct {
	Status   string
	Progress string
	Stream   string
}

// Line formats the event as a single log line. Empty events yield "".
func (e Event) Line() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{e.Status, e.Progress, e.Stream} {
		s = strings.Trim(s, "\r\n")
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ") + "\n"
}

// StreamEvent wraps free-form text as an event.
func StreamEvent(format string, args ...interface{}) Event {
	return Event{Stream: fmt.Sprintf(format, args...)}
}
