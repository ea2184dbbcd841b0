package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"shield/cmd/internal/domain"
)

// remoteRequest is the wire body posted to an external scorer.
type remoteRequest struct {
	IP        string    `json:"ip,omitempty"`
	User      string    `json:"user,omitempty"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Time      time.Time `json:"time"`
}

type remoteResponse struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Remote posts each request to an HTTP scoring service. The raw bearer token
// is never sent.
type Remote struct {
	url    string
	client *http.Client
}

// NewRemote returns a scorer for url. A nil client uses a dedicated client
// without its own timeout; the Adapter's deadline applies through ctx.
func NewRemote(url string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{url: url, client: client}
}

const maxRemoteBody = 64 << 10

// Classify implements Classifier.
func (r *Remote) Classify(ctx context.Context, req domain.Request) (Score, error) {
	body, err := json.Marshal(remoteRequest{
		IP:        req.IP,
		User:      req.User,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		UserAgent: req.UserAgent,
		Time:      req.Time.UTC(),
	})
	if err != nil {
		return Score{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Score{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(hreq)
	if err != nil {
		return Score{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRemoteBody))
		return Score{}, fmt.Errorf("classifier: remote status %d", resp.StatusCode)
	}

	var out remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&out); err != nil {
		return Score{}, fmt.Errorf("classifier: decode remote response: %w", err)
	}
	cat, err := domain.ParseReason(out.Category)
	if err != nil {
		return Score{}, fmt.Errorf("classifier: %w", err)
	}
	return Score{Category: cat, Confidence: out.Confidence}, nil
}
