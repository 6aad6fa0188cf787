package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultServerURL = "http://127.0.0.1:5000"

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server",
		getEnvOrDefault("SLIPWAY_SERVER", defaultServerURL),
		"Base URL of the slipway server")
}

func serverURL() string {
	return strings.TrimRight(serverAddr, "/")
}

// apiClient is for control requests; the event stream uses its own
// client without a timeout.
var apiClient = &http.Client{Timeout: 30 * time.Second}

// doJSON performs a request against the server API and decodes the
// JSON response into out. Error bodies are surfaced as errors.
func doJSON(method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, serverURL()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach slipway server at %s: %w", serverURL(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read server response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode server response: %w", err)
		}
	}
	return nil
}
