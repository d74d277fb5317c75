package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

const DefaultTimeout = 10 * time.Second

// Target is where status callbacks for one build are delivered.
type Target struct {
	URL  string
	Auth string
}

type payload struct {
	ID       int               `json:"id"`
	Status   types.BuildStatus `json:"status"`
	Building bool              `json:"building"`
	Type     string            `json:"type"`
}

// Notifier posts status callbacks. Delivery is best-effort: failures are
// logged and never returned.
type Notifier struct {
	client *http.Client
	log    *zap.Logger
}

func NewNotifier(timeout time.Duration, log *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &Notifier{client: client, log: log}
}

func (n *Notifier) Notify(ctx context.Context, target Target, id int, status types.BuildStatus, building bool) {
	if target.URL == "" {
		return
	}
	if err := n.post(ctx, target, payload{ID: id, Status: status, Building: building, Type: "buildshuttle"}); err != nil {
		n.log.Warn("status callback failed",
			zap.String("url", target.URL),
			zap.Int("build", id),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	n.log.Debug("status callback delivered",
		zap.Int("build", id),
		zap.String("status", string(status)))
}

func (n *Notifier) post(ctx context.Context, target Target, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", target.Auth)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return nil
}
