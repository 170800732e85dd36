package ddns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// Cloudflare publishes records through the Cloudflare v4 API using a bearer
// token. The zone id is resolved from the domain name once and cached for the
// process lifetime; a failed call invalidates the cache.
type Cloudflare struct {
	httpClient *http.Client
	baseURL    string
	token      string
	domain     string
	logger     *zap.Logger

	mu     sync.Mutex
	zoneID string
}

// NewCloudflare creates a Cloudflare provider for the given zone.
func NewCloudflare(token, domain string, logger *zap.Logger) *Cloudflare {
	return &Cloudflare{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultCloudflareBaseURL,
		token:      token,
		domain:     domain,
		logger:     logger,
	}
}

// newCloudflareForTest creates a provider against a test server.
func newCloudflareForTest(baseURL, token, domain string, logger *zap.Logger) *Cloudflare {
	provider := NewCloudflare(token, domain, logger)
	provider.baseURL = baseURL
	return provider
}

// cfResponse is the envelope common to all Cloudflare v4 responses.
type cfResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

// cfIdentified captures the id field of zones and records.
type cfIdentified struct {
	ID string `json:"id"`
}

// UpsertRecord creates or updates one record: PATCH when a record with the
// same name and type already exists, POST otherwise.
func (c *Cloudflare) UpsertRecord(ctx context.Context, target RecordTarget) error {
	zoneID, err := c.getZoneID(ctx)
	if err != nil {
		return err
	}

	recordID, err := c.findRecordID(ctx, zoneID, target)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"type":    string(target.Type),
		"name":    target.Name,
		"proxied": false,
		"ttl":     target.TTL,
	}
	switch target.Type {
	case RecordTypeA, RecordTypeAAAA:
		payload["content"] = target.Content
	case RecordTypeSRV:
		payload["data"] = map[string]any{
			"service":  target.Service,
			"proto":    target.Proto,
			"name":     target.SubName,
			"priority": target.Priority,
			"weight":   target.Weight,
			"port":     target.Port,
			"target":   target.Content,
		}
	default:
		return fmt.Errorf("unsupported record type %q", target.Type)
	}

	method := http.MethodPost
	path := fmt.Sprintf("/zones/%s/dns_records", zoneID)
	if recordID != "" {
		method = http.MethodPatch
		path = fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID)
	}

	var envelope cfResponse
	if err := c.do(ctx, method, path, payload, &envelope); err != nil {
		c.invalidateZoneID()
		return err
	}

	c.logger.Info("record synchronized",
		zap.String("method", method),
		zap.String("type", string(target.Type)),
		zap.String("name", target.Name),
		zap.String("content", target.Content),
	)
	return nil
}

// getZoneID returns the cached zone id, fetching it on first use.
func (c *Cloudflare) getZoneID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.zoneID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var envelope cfResponse
	path := "/zones?name=" + url.QueryEscape(c.domain)
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return "", err
	}

	var zones []cfIdentified
	if err := json.Unmarshal(envelope.Result, &zones); err != nil {
		return "", fmt.Errorf("%w: decode zone list: %v", ErrTransient, err)
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("%w: zone %q", ErrNotFound, c.domain)
	}

	c.mu.Lock()
	c.zoneID = zones[0].ID
	c.mu.Unlock()
	return zones[0].ID, nil
}

func (c *Cloudflare) invalidateZoneID() {
	c.mu.Lock()
	c.zoneID = ""
	c.mu.Unlock()
}

// findRecordID looks up the id of an existing record, or "" when absent.
func (c *Cloudflare) findRecordID(ctx context.Context, zoneID string, target RecordTarget) (string, error) {
	path := fmt.Sprintf("/zones/%s/dns_records?type=%s&name=%s",
		zoneID, url.QueryEscape(string(target.Type)), url.QueryEscape(target.Name))

	var envelope cfResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return "", err
	}

	var records []cfIdentified
	if err := json.Unmarshal(envelope.Result, &records); err != nil {
		return "", fmt.Errorf("%w: decode record list: %v", ErrTransient, err)
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].ID, nil
}

// do performs one API call and classifies failures into the provider error
// taxonomy.
func (c *Cloudflare) do(ctx context.Context, method, path string, payload any, out *cfResponse) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, response.StatusCode)
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case response.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, response.StatusCode)
	case response.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, response.StatusCode)
	case response.StatusCode >= 400:
		text, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("%w: status %d: %s", ErrTransient, response.StatusCode, text)
	}

	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if !out.Success {
		if len(out.Errors) > 0 {
			return fmt.Errorf("%w: api error %d: %s", ErrTransient, out.Errors[0].Code, out.Errors[0].Message)
		}
		return fmt.Errorf("%w: api reported failure", ErrTransient)
	}
	return nil
}
