// Package peers holds the HTTP clients for the engine's collaborator
// services: the event manager (canonical event records), the proposal and
// dispute mirrors, and the best-effort reward and notification services.
package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// ErrStateConflict is returned when the event manager rejects a conditional
// status write because the stored state no longer matches the expectation.
var ErrStateConflict = errors.New("event state conflict")

// Error is a non-2xx response from a peer service.
type Error struct {
	Service string
	Status  int
	Body    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Status, e.Body)
}

type client struct {
	service string
	base    string
	http    *http.Client
}

func newClient(service, baseURL string) client {
	return client{
		service: service,
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// do runs one request. A non-nil out is filled from a 2xx JSON body.
func (c client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.service, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.service, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrStateConflict, strings.TrimSpace(string(data)))
		}
		return &Error{Service: c.service, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", c.service, err)
		}
	}
	return nil
}

func escape(id string) string {
	return url.PathEscape(id)
}
