// Package source classifies a build's sources descriptor and opens it.
package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/artifact"
	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

type Kind int

const (
	// KindArchive is a tarball or zip to extract and build.
	KindArchive Kind = iota
	// KindImage is an existing registry image to pull and retag.
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "archive"
}

var (
	ErrUnsupportedScheme = errors.New("unsupported sources scheme")
	ErrMalformed         = errors.New("malformed sources")
)

type Credentials struct {
	Username string
	Password string
}

// Source is a resolved sources descriptor. Archive sources carry a Body the
// caller must drain; Close releases it.
type Source struct {
	Kind  Kind
	Body  artifact.Body
	Image string
	Auth  *Credentials

	closer func() error
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

type Resolver struct {
	client *http.Client
	log    *zap.Logger
}

func NewResolver(timeout time.Duration, log *zap.Logger) *Resolver {
	client := cleanhttp.DefaultClient()
	client.Timeout = timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > 1 {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return &Resolver{client: client, log: log}
}

func (r *Resolver) Resolve(ctx context.Context, req *types.BuildRequest) (*Source, error) {
	raw := strings.TrimSpace(req.Sources)
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}

	switch strings.ToLower(scheme) {
	case "docker":
		return r.resolveImage(raw, req)
	case "data":
		return resolveData(rest)
	case "http", "https":
		return r.fetch(ctx, raw)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

func (r *Resolver) resolveImage(raw string, req *types.BuildRequest) (*Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing image host", ErrMalformed)
	}

	src := &Source{Kind: KindImage, Image: u.Host + u.Path}
	if u.User != nil {
		password, _ := u.User.Password()
		src.Auth = &Credentials{Username: u.User.Username(), Password: password}
	}
	if req.DockerLogin != "" {
		src.Auth = &Credentials{Username: req.DockerLogin, Password: req.DockerPassword}
	}
	return src, nil
}

// resolveData handles data:[<mediatype>][;base64],<payload> and the short
// data:base64,<payload> form.
func resolveData(rest string) (*Source, error) {
	rest = strings.TrimLeft(rest, "/")
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return &Source{Kind: KindArchive, Body: artifact.Bytes([]byte(rest))}, nil
	}

	if meta == "base64" || strings.HasSuffix(meta, ";base64") {
		b, err := decodeBase64(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Source{Kind: KindArchive, Body: artifact.Bytes(b)}, nil
	}

	if meta == "" || strings.Contains(meta, "/") {
		return &Source{Kind: KindArchive, Body: artifact.Bytes([]byte(data))}, nil
	}
	return &Source{Kind: KindArchive, Body: artifact.Bytes([]byte(strings.TrimLeft(rest, ",")))}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func (r *Resolver) fetch(ctx context.Context, raw string) (*Source, error) {
	if _, err := url.ParseRequestURI(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sources: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch sources: unexpected status code %d", resp.StatusCode)
	}

	r.log.Debug("fetched sources",
		zap.String("url", resp.Request.URL.Redacted()),
		zap.Int64("content_length", resp.ContentLength))

	return &Source{
		Kind:   KindArchive,
		Body:   artifact.Stream(resp.Body).WithContentType(resp.Header.Get("Content-Type")),
		closer: resp.Body.Close,
	}, nil
}
