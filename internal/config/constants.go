// Package config provides configuration constants and the runtime
// application configuration for the Antigravity relay.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	AntigravityEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	AntigravityEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// AntigravityEndpointFallbacks is the endpoint fallback order (daily → prod)
var AntigravityEndpointFallbacks = []string{
	AntigravityEndpointDaily,
	AntigravityEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first)
// loadCodeAssist works better on prod for fresh/unprovisioned accounts
var LoadCodeAssistEndpoints = []string{
	AntigravityEndpointProd,
	AntigravityEndpointDaily,
}

// DefaultProjectID is the fallback project when loadCodeAssist yields none
const DefaultProjectID = "bamboo-precept-lgxtn"

// Upstream identification
const (
	EnvelopeUserAgent       = "antigravity"
	EnvelopeOpenAIUserAgent = "antigravity-openai"
)

// AntigravityHeaders are the required headers for Cloud Code API requests
func AntigravityHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
	}
}

func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.11.3 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// OAuth configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration. Client credentials may be
// overridden via GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET.
var OAuthConfig = OAuthConfigType{
	ClientID:     envOr("GOOGLE_CLIENT_ID", "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"),
	ClientSecret: envOr("GOOGLE_CLIENT_SECRET", "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"),
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Timing constants
const (
	// TokenRefreshLeadSeconds triggers a refresh when the access token is
	// within this many seconds of its expiry.
	TokenRefreshLeadSeconds = 300
	// OAuthTimeoutSeconds bounds token refresh and userinfo calls.
	OAuthTimeoutSeconds = 15
	// DefaultRequestTimeoutSeconds is the upstream per-call timeout.
	DefaultRequestTimeoutSeconds = 120
	// LastUsedStickySeconds keeps routing to the most recent account.
	LastUsedStickySeconds = 60
	// DisabledReasonMaxLen caps the persisted disable reason.
	DisabledReasonMaxLen = 800
)

// Default retry-after seconds per rate-limit reason, applied when the
// upstream error carries no usable reset hint.
const (
	DefaultWaitQuotaExhausted         = 3600
	DefaultWaitModelCapacityExhausted = 120
	DefaultWaitRateLimitExceeded      = 30
	DefaultWaitServerError            = 20
	DefaultWaitUnknown                = 60

	// MinRetryAfterSeconds is the safety buffer against parsed 0/1s waits.
	MinRetryAfterSeconds = 2
)

// Server defaults
const (
	DefaultPort        = 3000
	DatabaseFileName   = "antigravity.db"
	DeviceBaselineFile = "device_original.json"
	ProxyLogRetention  = 5000
)

// Warm-up scheduler constants
const (
	WarmupIntervalSeconds   = 600
	WarmupGapSeconds        = 2
	WarmupNearReadyPercent  = 80
	WarmupNearReadyRetries  = 2
	WarmupNearReadyDelaySec = 15
	WarmHistoryTTLSeconds   = 86400
)

// WarmupModelWhitelist lists the only models eligible for warm-up pings.
var WarmupModelWhitelist = map[string]bool{
	"gemini-3-flash":     true,
	"claude-sonnet-4-5":  true,
	"gemini-3-pro-high":  true,
	"gemini-3-pro-image": true,
}

// WarmupModelRemap renames quota series to their pingable counterparts.
var WarmupModelRemap = map[string]string{
	"gemini-2.5-flash": "gemini-3-flash",
}

// QuotaGroup distinguishes request families for scheduling purposes.
type QuotaGroup string

const (
	QuotaGroupChat     QuotaGroup = "chat"
	QuotaGroupImageGen QuotaGroup = "image_gen"
)

// SchedulingMode controls sticky-session behavior.
type SchedulingMode string

const (
	ModeCacheFirst       SchedulingMode = "cache_first"
	ModeBalance          SchedulingMode = "balance"
	ModePerformanceFirst SchedulingMode = "performance_first"
)

// Tier is the account subscription tier, ordered for scheduling priority.
type Tier int

const (
	TierUltra Tier = iota
	TierPro
	TierFree
	TierUnknown
)

// ParseTierID maps vendor tier identifiers to scheduling priorities.
func ParseTierID(id string) Tier {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "ultra"):
		return TierUltra
	case strings.Contains(lower, "pro"):
		return TierPro
	case strings.Contains(lower, "free"):
		return TierFree
	default:
		return TierUnknown
	}
}

func (t Tier) String() string {
	switch t {
	case TierUltra:
		return "ULTRA"
	case TierPro:
		return "PRO"
	case TierFree:
		return "FREE"
	default:
		return "UNKNOWN"
	}
}

// AntigravitySystemInstruction is injected as the leading system
// instruction when the client did not already provide the identity.
const AntigravitySystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.
You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.
The USER will send you requests, which you must always prioritize addressing.

<tool_calling>
Call tools as you normally would. When using tools that accept file path arguments, ALWAYS use the absolute file path.
</tool_calling>

<communication_style>
Format your responses in github-style markdown. Use backticks to format file, directory, function, and class names. If you are unsure about the USER's intent, ask for clarification rather than making assumptions.
</communication_style>`

// IdentityProbe detects an already-present identity instruction.
const IdentityProbe = "You are Antigravity"
