package voicertc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/agentline/pkg/core"
)

const maxCredentialBody = 1 << 20

type createCallRequest struct {
	AgentID string         `json:"agent_id"`
	Mode    string         `json:"mode"`
	Context map[string]any `json:"context,omitempty"`
}

type createCallResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// fetchToken registers a call with the platform and returns the room token.
func fetchToken(ctx context.Context, client *http.Client, serverURL string, body createCallRequest) (string, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(serverURL), "/") + "/create-call"

	payload, err := json.Marshal(body)
	if err != nil {
		return "", core.NewCredentialError("encode create-call request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", core.NewCredentialError("build create-call request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", core.NewCredentialError("create-call request failed",
			&core.TransportError{Op: http.MethodPost, URL: endpoint, Err: err})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCredentialBody))
	if err != nil {
		return "", core.NewCredentialError("read create-call response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := core.NewCredentialError(fmt.Sprintf("create-call returned status %d", resp.StatusCode), nil)
		e.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		return "", e
	}

	var out createCallResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", core.NewCredentialError("malformed create-call response", err)
	}
	token := out.Token
	if token == "" {
		token = out.AccessToken
	}
	if strings.TrimSpace(token) == "" {
		return "", core.NewCredentialError("create-call response has no token", nil)
	}
	return token, nil
}
