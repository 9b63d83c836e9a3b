package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

// QuotaRecord is the remaining quota for one model series.
type QuotaRecord struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	ResetTime  string `json:"reset_time"`
}

// QuotaData is an account's live quota snapshot.
type QuotaData struct {
	Models           []QuotaRecord `json:"models"`
	SubscriptionTier string        `json:"subscription_tier,omitempty"`
	IsForbidden      bool          `json:"is_forbidden"`
	FetchedAt        int64         `json:"fetched_at"`
}

type fetchModelsResponse struct {
	Models map[string]struct {
		QuotaInfo *struct {
			RemainingFraction *float64 `json:"remainingFraction"`
			ResetTime         string   `json:"resetTime"`
		} `json:"quotaInfo"`
	} `json:"models"`
}

const quotaFetchRetries = 3

// FetchQuota queries fetchAvailableModels for live per-model quota. A 403
// marks the account forbidden instead of failing. Transient errors are
// retried with a 1 s gap.
func (c *Client) FetchQuota(ctx context.Context, accessToken, projectID string) (*QuotaData, error) {
	payload, _ := json.Marshal(map[string]string{
		"project": ProjectOrDefault(projectID),
	})

	var lastErr error
	for attempt := 1; attempt <= quotaFetchRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			config.AntigravityEndpointProd+"/v1internal:fetchAvailableModels",
			bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		for k, v := range config.AntigravityHeaders() {
			req.Header.Set(k, v)
		}

		resp, err := c.client().Do(req)
		if err != nil {
			lastErr = err
			utils.Warn("[Quota] Request failed: %v (attempt %d/%d)", err, attempt, quotaFetchRetries)
			if !sleepCtx(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
		resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden {
			utils.Warn("[Quota] Account has no access (403 Forbidden)")
			return &QuotaData{IsForbidden: true, FetchedAt: time.Now().Unix()}, nil
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, utils.TruncateBody(string(body)))
			utils.Warn("[Quota] API error: %v (attempt %d/%d)", lastErr, attempt, quotaFetchRetries)
			if !sleepCtx(ctx, time.Second) {
				return nil, ctx.Err()
			}
			continue
		}

		var parsed fetchModelsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("quota response parse: %w", err)
		}

		quota := &QuotaData{FetchedAt: time.Now().Unix()}
		for name, info := range parsed.Models {
			if info.QuotaInfo == nil {
				continue
			}
			if !strings.Contains(name, "gemini") && !strings.Contains(name, "claude") {
				continue
			}
			percentage := 0
			if f := info.QuotaInfo.RemainingFraction; f != nil {
				percentage = int(*f * 100)
			}
			quota.Models = append(quota.Models, QuotaRecord{
				Name:       name,
				Percentage: percentage,
				ResetTime:  info.QuotaInfo.ResetTime,
			})
		}
		return quota, nil
	}
	return nil, fmt.Errorf("quota fetch failed: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
