package fieldkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// remote talks to the sitrep server. GETs are retried briefly at the
// transport level since they are safe to repeat; pushes are never
// retried here because the outbox backoff owns that schedule.
type remote struct {
	baseURL string
	token   string
	http    *http.Client
}

func newRemote(cfg Config) *remote {
	return &remote{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Wire shapes for the sync endpoints. These mirror the server's JSON so
// the package stays embeddable without importing server internals.

type wireMutation struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	RecordID    string          `json:"record_id"`
	Op          Op              `json:"op"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ClientTime  time.Time       `json:"client_time"`
}

type pushRequest struct {
	PushID    string         `json:"push_id,omitempty"`
	DeviceID  string         `json:"device_id"`
	Mutations []wireMutation `json:"mutations"`
}

type mutationResult struct {
	MutationID string  `json:"mutation_id"`
	Outcome    Outcome `json:"outcome"`
	RecordID   string  `json:"record_id"`
	Version    int64   `json:"version,omitempty"`
	ConflictID string  `json:"conflict_id,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

type pushResponse struct {
	Results   []mutationResult `json:"results"`
	LatestSeq int64            `json:"latest_seq"`
}

type changeEntry struct {
	Seq      int64           `json:"seq"`
	Kind     Kind            `json:"kind"`
	RecordID string          `json:"record_id"`
	Op       Op              `json:"op"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	LoggedAt time.Time       `json:"logged_at"`
}

type pullResponse struct {
	Entries   []changeEntry `json:"entries"`
	LatestSeq int64         `json:"latest_seq"`
	HasMore   bool          `json:"has_more"`
}

// apiError is an RFC 7807 problem response from the server.
type apiError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (r *remote) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return r.http.Do(req)
}

func decodeProblem(resp *http.Response) error {
	apiErr := &apiError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		_ = json.Unmarshal(body, apiErr)
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func (r *remote) retryBackoff() retry.Backoff {
	b := retry.NewFibonacci(500 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	return retry.WithMaxRetries(3, b)
}

// getJSON fetches path and decodes the body into out. Network failures
// and 5xx/429 responses are retried; other errors return immediately.
func (r *remote) getJSON(ctx context.Context, path string, out interface{}) error {
	return retry.Do(ctx, r.retryBackoff(), func(ctx context.Context) error {
		resp, err := r.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			probErr := decodeProblem(resp)
			if retryableStatus(resp.StatusCode) {
				return retry.RetryableError(probErr)
			}
			return probErr
		}
		if out == nil {
			_, err := io.Copy(io.Discard, resp.Body)
			return err
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// Ping checks server reachability with a single attempt so offline
// detection stays fast.
func (r *remote) Ping(ctx context.Context) error {
	resp, err := r.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode}
	}
	return nil
}

// Push submits a mutation batch. Exactly one attempt: if it fails, the
// outbox backoff decides when to try again, and per-mutation dedupe on
// the server makes an eventual replay safe.
func (r *remote) Push(ctx context.Context, req pushRequest) (*pushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := r.do(ctx, http.MethodPost, "/api/v1/sync/push", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeProblem(resp)
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &out, nil
}

// Pull fetches change log entries after the given cursor.
func (r *remote) Pull(ctx context.Context, after int64, limit int) (*pullResponse, error) {
	var out pullResponse
	path := fmt.Sprintf("/api/v1/sync/pull?after=%d&limit=%d", after, limit)
	if err := r.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SeedBytes downloads the compressed seed bundle and the time the
// server generated it.
func (r *remote) SeedBytes(ctx context.Context) ([]byte, time.Time, error) {
	var data []byte
	var generatedAt time.Time

	err := retry.Do(ctx, r.retryBackoff(), func(ctx context.Context) error {
		resp, err := r.do(ctx, http.MethodGet, "/api/v1/sync/seed", nil)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			probErr := decodeProblem(resp)
			if retryableStatus(resp.StatusCode) {
				return retry.RetryableError(probErr)
			}
			return probErr
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if h := resp.Header.Get("X-Seed-Generated-At"); h != "" {
			if t, err := time.Parse(time.RFC3339, h); err == nil {
				generatedAt = t
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, generatedAt, nil
}

// FetchRecord retrieves one record's canonical server state. A 404 maps
// to ErrNotFound so callers can treat it as a server-side delete.
func (r *remote) FetchRecord(ctx context.Context, kind Kind, id string) (json.RawMessage, int64, time.Time, error) {
	path, err := recordPath(kind, id)
	if err != nil {
		return nil, 0, time.Time{}, err
	}

	var raw json.RawMessage
	if err := r.getJSON(ctx, path, &raw); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, 0, time.Time{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return nil, 0, time.Time{}, err
	}

	var probe recordProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return raw, probe.Version, probe.updatedOr(time.Now().UTC()), nil
}

// ListDataset fetches a list endpoint and returns the named array field
// from its envelope, e.g. "entities" from GET /api/v1/entities.
func (r *remote) ListDataset(ctx context.Context, pathWithQuery, field string) ([]json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := r.getJSON(ctx, pathWithQuery, &envelope); err != nil {
		return nil, err
	}

	raw, ok := envelope[field]
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", field, err)
	}
	return items, nil
}

// FetchConfig retrieves the shared system configuration document.
func (r *remote) FetchConfig(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.getJSON(ctx, "/api/v1/config", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func recordPath(kind Kind, id string) (string, error) {
	plural, ok := kindPlural[kind]
	if !ok {
		return "", fmt.Errorf("kind %q has no record endpoint", kind)
	}
	return "/api/v1/" + plural + "/" + id, nil
}

var kindPlural = map[Kind]string{
	KindEntity:     "entities",
	KindIncident:   "incidents",
	KindAssessment: "assessments",
	KindResponse:   "responses",
	KindCommitment: "commitments",
}
