// Package handlers implements the client-facing relay endpoints. Each
// surface handler translates its wire format, then runs the shared
// account rotation loop in Dispatcher.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/antigravity-hub/internal/config"
	"github.com/poemonsense/antigravity-hub/internal/errors"
	"github.com/poemonsense/antigravity-hub/internal/ratelimit"
	"github.com/poemonsense/antigravity-hub/internal/scheduler"
	"github.com/poemonsense/antigravity-hub/internal/store"
	"github.com/poemonsense/antigravity-hub/internal/upstream"
	"github.com/poemonsense/antigravity-hub/internal/utils"
)

const (
	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"

	// logBodyLimit caps how much of an upstream error body is preserved
	// in the proxy log.
	logBodyLimit = 2048
)

// rotationStatuses are upstream HTTP statuses that mark the account
// limited and move the dispatch loop to the next one. Anything else is
// passed through to the client verbatim.
var rotationStatuses = map[int]bool{
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusServiceUnavailable:  true,
	529:                            true,
}

// Dispatcher owns the per-request rotation loop shared by all surfaces.
type Dispatcher struct {
	Scheduler *scheduler.Manager
	Upstream  *upstream.Client
	Config    *config.Manager
	Tracker   *ratelimit.Tracker
	Logs      *store.LogSink
}

// Call is one upstream generation the loop should place on some account.
type Call struct {
	Model      string // resolved upstream model name
	SessionID  string
	QuotaGroup config.QuotaGroup
	// Build produces the envelope for the granted account's project.
	Build func(project string) map[string]interface{}
}

// Do runs the rotation loop for a unary call. A terminal non-2xx reply
// is returned as a Response, not an error; the handler passes it through.
func (d *Dispatcher) Do(ctx context.Context, call Call) (*upstream.Response, *scheduler.TokenGrant, error) {
	attempts := d.poolAttempts()
	var lastErr string

	for attempt := 0; attempt < attempts; attempt++ {
		grant, err := d.grant(ctx, call, attempt)
		if err != nil {
			return nil, nil, err
		}

		resp, err := d.Upstream.CallInternal(ctx, methodGenerate, grant.AccessToken, call.Build(grant.ProjectID))
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, errors.NewCanceledError()
			}
			lastErr = err.Error()
			utils.Warn("[Dispatch] %s via %s failed: %v", call.Model, grant.Email, err)
			continue
		}

		if resp.OK() {
			return resp, grant, nil
		}
		if rotationStatuses[resp.StatusCode] {
			lastErr = d.rotate(grant, resp.StatusCode, resp.Header.Get("Retry-After"), resp.Body, call.Model)
			continue
		}
		return resp, grant, nil
	}

	return nil, nil, exhausted(lastErr)
}

// DoStream runs the rotation loop for a streaming call. On success the
// caller owns resp.Body.
func (d *Dispatcher) DoStream(ctx context.Context, call Call) (*http.Response, *scheduler.TokenGrant, error) {
	attempts := d.poolAttempts()
	var lastErr string

	for attempt := 0; attempt < attempts; attempt++ {
		grant, err := d.grant(ctx, call, attempt)
		if err != nil {
			return nil, nil, err
		}

		resp, err := d.Upstream.CallInternalStream(ctx, methodStream, grant.AccessToken, call.Build(grant.ProjectID))
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, errors.NewCanceledError()
			}
			lastErr = err.Error()
			utils.Warn("[Dispatch] %s via %s failed: %v", call.Model, grant.Email, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, grant, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, logBodyLimit))
		resp.Body.Close()

		if rotationStatuses[resp.StatusCode] {
			lastErr = d.rotate(grant, resp.StatusCode, resp.Header.Get("Retry-After"), body, call.Model)
			continue
		}
		return nil, grant, errors.NewApiError(
			fmt.Sprintf("Upstream error (HTTP %d)", resp.StatusCode), resp.StatusCode, string(body))
	}

	return nil, nil, exhausted(lastErr)
}

func (d *Dispatcher) poolAttempts() int {
	if n := len(d.Scheduler.Accounts()); n > 1 {
		return n
	}
	return 1
}

func (d *Dispatcher) grant(ctx context.Context, call Call, attempt int) (*scheduler.TokenGrant, error) {
	return d.Scheduler.GetToken(ctx, scheduler.TokenRequest{
		Model:       call.Model,
		SessionID:   call.SessionID,
		QuotaGroup:  call.QuotaGroup,
		ForceRotate: attempt > 0,
	})
}

func (d *Dispatcher) rotate(grant *scheduler.TokenGrant, status int, retryAfter string, body []byte, model string) string {
	d.Scheduler.MarkRateLimited(grant.AccountID, status, retryAfter, string(body), model)
	utils.Warn("[Dispatch] %s returned HTTP %d for %s, rotating", grant.Email, status, model)
	return fmt.Sprintf("HTTP %d: %s", status, truncate(body, logBodyLimit))
}

func exhausted(lastErr string) error {
	msg := "All accounts exhausted"
	if lastErr != "" {
		msg += ": " + lastErr
	}
	return errors.NewNoAccountsError(msg, true, 0)
}

// ResolveModel applies layered model mapping: the custom mapping first,
// then the surface-family mapping, then the literal client name.
func (d *Dispatcher) ResolveModel(requested string, surface map[string]string) string {
	proxy := d.Config.Get().Proxy
	if mapped := proxy.CustomMapping[requested]; mapped != "" {
		utils.Info("[Dispatch] Mapping model %s -> %s", requested, mapped)
		return mapped
	}
	if mapped := surface[requested]; mapped != "" {
		utils.Info("[Dispatch] Mapping model %s -> %s", requested, mapped)
		return mapped
	}
	return requested
}

// Record writes one completed request to the proxy log.
func (d *Dispatcher) Record(entry store.ProxyLogEntry) {
	if d.Logs != nil {
		d.Logs.Record(entry)
	}
}

// deriveSessionID keys sticky bindings on the conversation's first user
// message so follow-up turns land on the same account.
func deriveSessionID(firstUserText string) string {
	if firstUserText == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(firstUserText))
	return hex.EncodeToString(sum[:16])
}

func statusOf(err error) int {
	return errors.HTTPStatusFromError(err)
}

func truncate(b []byte, limit int) string {
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

// writeRelayError maps an internal error onto the surface-neutral JSON
// error body with the right HTTP status.
func writeRelayError(c *gin.Context, err error) {
	status := errors.HTTPStatusFromError(err)
	if e, ok := err.(*errors.NoAccountsError); ok && e.MinWaitSeconds > 0 {
		c.Header("retry-after", fmt.Sprintf("%d", e.MinWaitSeconds))
	}
	c.JSON(status, errors.FormatAPIError(err))
}
