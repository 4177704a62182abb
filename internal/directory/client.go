package directory

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client fetches and publishes identity public keys against the
// directory service. Fetched keys are cached with a TTL; the cache is
// owned by the client instance, not shared globally.
type Client struct {
	base   string
	http   *http.Client
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	key       []byte
	fetchedAt time.Time
}

// identityResponse tolerates the legacy response shapes the directory
// has served over time: a flat field (older deployments used snake
// case) or a key-bundle wrapper.
type identityResponse struct {
	PublicKey    string `json:"publicKey"`
	PublicKeyAlt string `json:"public_key"`
	Identity     *struct {
		PublicKey string `json:"publicKey"`
	} `json:"identity"`
}

func (r *identityResponse) key() string {
	switch {
	case r.PublicKey != "":
		return r.PublicKey
	case r.PublicKeyAlt != "":
		return r.PublicKeyAlt
	case r.Identity != nil:
		return r.Identity.PublicKey
	}
	return ""
}

// publishRequest is the POST /identity body.
type publishRequest struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

// New creates a directory client against the given base URL.
func New(base string, ttl time.Duration, logger *zap.Logger) *Client {
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Second},
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Fetch returns the published public key for userID, serving from the
// TTL cache when fresh.
func (c *Client) Fetch(ctx context.Context, userID string) ([]byte, error) {
	c.mu.Lock()
	if e, ok := c.cache[userID]; ok && time.Since(e.fetchedAt) < c.ttl {
		key := e.key
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/identity/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch identity %s: %w", userID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch identity %s: %s", userID, resp.Status)
	}

	var body identityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode identity %s: %w", userID, err)
	}
	raw := body.key()
	if raw == "" {
		return nil, fmt.Errorf("identity %s: response carries no public key", userID)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("identity %s: bad key encoding: %w", userID, err)
	}

	c.mu.Lock()
	c.cache[userID] = cacheEntry{key: key, fetchedAt: time.Now()}
	c.mu.Unlock()
	return key, nil
}

// Publish uploads the local identity's public key.
func (c *Client) Publish(ctx context.Context, userID string, pub []byte) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(publishRequest{
		UserID:    userID,
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/identity", buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish identity: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("publish identity: %s", resp.Status)
	}
	c.logger.Info("identity published", zap.String("user_id", userID))
	return nil
}

// Evict drops userID from the cache so the next Fetch hits the
// directory. Used when a cached key is suspected stale.
func (c *Client) Evict(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}
