package worker

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	// WorkerLabel marks every execution unit this service creates.
	WorkerLabel = "buildshuttle-worker"

	labelName     = "name"
	labelIdentity = "buildshuttle.io/identity"
	labelDeadline = "buildshuttle.io/deadline"

	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxPollCount = 600
)

// ErrUnitGone is returned when an execution unit disappeared while it was
// being supervised.
var ErrUnitGone = errors.New("execution unit is gone")

type Kind string

const (
	KindContainer Kind = "container"
	KindPod       Kind = "pod"
)

// Spec describes the execution unit to provision.
type Spec struct {
	Identity string
	Env      []string
	Timeout  time.Duration
}

// Result is the raw outcome of one execution unit.
type Result struct {
	ExitCode int
	TimedOut bool
}

// Handle owns one live execution unit.
type Handle struct {
	Identity  string
	Kind      Kind
	ID        string
	StartedAt time.Time
	Deadline  time.Time

	await func(ctx context.Context, out io.Writer) (Result, error)
}

// Await blocks until the unit reaches a terminal state, copying its output
// to out.
func (h *Handle) Await(ctx context.Context, out io.Writer) (Result, error) {
	return h.await(ctx, out)
}

// Unit is an execution unit as listed by its backend.
type Unit struct {
	Identity string
	ID       string
	Created  time.Time
	Deadline time.Time
}

// Backend provisions and controls execution units.
type Backend interface {
	Kind() Kind
	// Teardown removes every unit sharing identity and waits until they
	// are gone.
	Teardown(ctx context.Context, identity string) error
	Create(ctx context.Context, spec Spec) (*Handle, error)
	// Stop removes the units of identity without waiting. Missing units
	// are not an error.
	Stop(ctx context.Context, identity string) error
	FetchLogs(ctx context.Context, identity string) (string, error)
	List(ctx context.Context) ([]Unit, error)
}

// mergeEnv overlays KEY=VALUE entries, later entries winning, and returns
// them sorted by key.
func mergeEnv(layers ...[]string) []string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for _, kv := range layer {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// unitMetadata is attached to every unit so it can be matched and reaped
// after a restart.
func unitMetadata(identity string, deadline time.Time) map[string]string {
	return map[string]string{
		labelIdentity: identity,
		labelDeadline: strconv.FormatInt(deadline.Unix(), 10),
	}
}

func deadlineFrom(meta map[string]string) time.Time {
	sec, err := strconv.ParseInt(meta[labelDeadline], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func pollInterval(cfg *config.WorkerConfig) time.Duration {
	if cfg.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return cfg.PollInterval
}

// pollTimeout bounds one phase wait to MaxPollCount polls.
func pollTimeout(cfg *config.WorkerConfig) time.Duration {
	n := cfg.MaxPollCount
	if n <= 0 {
		n = DefaultMaxPollCount
	}
	return time.Duration(n) * pollInterval(cfg)
}
