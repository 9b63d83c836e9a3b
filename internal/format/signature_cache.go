package format

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-hub/pkg/redis"
)

const (
	signatureCacheMaxEntries = 10000
	signatureCacheTTL        = time.Hour
)

// SignatureCache stores Gemini thoughtSignatures keyed by tool_use id.
// Gemini requires the signature to be replayed on follow-up tool calls,
// but Anthropic clients strip non-standard fields, so the relay remembers
// them between turns. Redis backs the cache when configured; otherwise a
// bounded in-memory LRU is used.
type SignatureCache struct {
	mu    sync.Mutex
	redis *redis.Client

	entries map[string]*list.Element
	lru     *list.List
}

type signatureEntry struct {
	toolUseID string
	signature string
	storedAt  time.Time
}

// NewSignatureCache creates a SignatureCache. redisClient may be nil.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redis:   redisClient,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// PutToolSignature stores a signature for a tool_use id.
func (c *SignatureCache) PutToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	if c.redis != nil {
		_ = c.redis.SetSignature(context.Background(), toolUseID, signature, signatureCacheTTL)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[toolUseID]; ok {
		elem.Value.(*signatureEntry).signature = signature
		elem.Value.(*signatureEntry).storedAt = time.Now()
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[toolUseID] = c.lru.PushFront(&signatureEntry{
		toolUseID: toolUseID,
		signature: signature,
		storedAt:  time.Now(),
	})

	for c.lru.Len() > signatureCacheMaxEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*signatureEntry).toolUseID)
	}
}

// GetToolSignature retrieves a cached signature, or "".
func (c *SignatureCache) GetToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.redis != nil {
		signature, err := c.redis.GetSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[toolUseID]
	if !ok {
		return ""
	}
	entry := elem.Value.(*signatureEntry)
	if time.Since(entry.storedAt) > signatureCacheTTL {
		c.lru.Remove(elem)
		delete(c.entries, toolUseID)
		return ""
	}
	c.lru.MoveToFront(elem)
	return entry.signature
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitSignatureCache initializes the global signature cache. Safe to call
// once at startup; later calls are no-ops.
func InitSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetSignatureCache returns the global signature cache, creating a
// memory-only one when startup never configured Redis.
func GetSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		InitSignatureCache(nil)
	}
	return globalSignatureCache
}
