package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaycal/internal/httpapi"
)

// apiClient calls a running owner's control API.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(listen, secret string, scopes []string) (*apiClient, error) {
	if strings.TrimSpace(listen) == "" {
		return nil, fmt.Errorf("listen address is not configured; the control API is disabled")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		secret = "dev-secret"
	}
	token, err := httpapi.IssueToken(secret, "relaycal-cli", scopes, 5*time.Minute, time.Now())
	if err != nil {
		return nil, err
	}
	baseURL := listen
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		if strings.HasPrefix(baseURL, ":") {
			baseURL = "127.0.0.1" + baseURL
		}
		baseURL = "http://" + baseURL
	}
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the owner running? %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s %s failed: status=%d code=%s message=%s", method, path, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("%s %s failed: status=%d", method, path, resp.StatusCode)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
