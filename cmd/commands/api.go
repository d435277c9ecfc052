package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orcbot-ai/orcbot/internal/config"
)

// apiClient talks to the local gateway of a running instance.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		base: fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("is orcbot running? %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is orcbot running? %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
