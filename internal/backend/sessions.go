package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession asks the backend to open a new conversation and returns the assigned
// session id.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	jsonBody, err := json.Marshal(startSessionRequest{UserID: c.creds.UserID})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/sessions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", responseError(resp)
	}

	var startResp startSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&startResp); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	return startResp.SessionID, nil
}
