package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

type loadCodeAssistResponse struct {
	CloudAICompanionProject string    `json:"cloudaicompanionProject"`
	CurrentTier             *tierInfo `json:"currentTier"`
	PaidTier                *tierInfo `json:"paidTier"`
}

type tierInfo struct {
	ID string `json:"id"`
}

// ResolveProject calls loadCodeAssist to discover the account's project id
// and subscription tier. paidTier wins over currentTier. A network
// failure returns empty strings; the caller falls back to the default
// project.
func (c *Client) ResolveProject(ctx context.Context, accessToken string) (projectID, tierID string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})

	for _, base := range config.LoadCodeAssistEndpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		for k, v := range config.AntigravityHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := c.client().Do(req)
		if err != nil {
			utils.Debug("[Upstream] loadCodeAssist %s: %v", base, err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			utils.Warn("[Upstream] loadCodeAssist failed: HTTP %d", resp.StatusCode)
			continue
		}

		var data loadCodeAssistResponse
		if err := json.Unmarshal(body, &data); err != nil {
			utils.Warn("[Upstream] loadCodeAssist parse: %v", err)
			continue
		}

		tier := ""
		if data.PaidTier != nil && data.PaidTier.ID != "" {
			tier = data.PaidTier.ID
		} else if data.CurrentTier != nil {
			tier = data.CurrentTier.ID
		}
		if tier != "" {
			utils.Info("[Upstream] Subscription tier detected: %s", tier)
		}
		return data.CloudAICompanionProject, tier
	}
	return "", ""
}

// ProjectOrDefault returns pid, or the configured default when empty.
func ProjectOrDefault(pid string) string {
	if pid == "" {
		return config.DefaultProjectID
	}
	return pid
}
