package ddns

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// cloudflareFixture is a minimal in-memory Cloudflare v4 API.
type cloudflareFixture struct {
	mu          sync.Mutex
	zoneQueries int
	records     map[string]map[string]any // record id -> last payload
	created     []map[string]any
	patched     []map[string]any
}

func newCloudflareFixture() *cloudflareFixture {
	return &cloudflareFixture{records: make(map[string]map[string]any)}
}

func (f *cloudflareFixture) handler() http.Handler {
	// Method-based patterns and r.PathValue require Go 1.22; dispatch by
	// hand so the fixture also works on older toolchains.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/zones":
			f.mu.Lock()
			f.zoneQueries++
			f.mu.Unlock()
			if r.URL.Query().Get("name") != "example.com" {
				writeCF(w, true, []any{})
				return
			}
			writeCF(w, true, []map[string]any{{"id": "zone-1"}})

		case r.Method == http.MethodGet && r.URL.Path == "/zones/zone-1/dns_records":
			f.mu.Lock()
			defer f.mu.Unlock()
			name := r.URL.Query().Get("name")
			recordType := r.URL.Query().Get("type")
			var matched []map[string]any
			for id, payload := range f.records {
				if payload["name"] == name && payload["type"] == recordType {
					matched = append(matched, map[string]any{"id": id})
				}
			}
			writeCF(w, true, matched)

		case r.Method == http.MethodPost && r.URL.Path == "/zones/zone-1/dns_records":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			f.mu.Lock()
			id := "rec-1"
			f.records[id] = payload
			f.created = append(f.created, payload)
			f.mu.Unlock()
			writeCF(w, true, map[string]any{"id": id})

		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/zones/zone-1/dns_records/"):
			id := strings.TrimPrefix(r.URL.Path, "/zones/zone-1/dns_records/")
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			f.mu.Lock()
			f.records[id] = payload
			f.patched = append(f.patched, payload)
			f.mu.Unlock()
			writeCF(w, true, map[string]any{"id": id})

		default:
			http.NotFound(w, r)
		}
	})
}

func writeCF(w http.ResponseWriter, success bool, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"errors":  []any{},
		"result":  result,
	})
}

func aTarget(content string) RecordTarget {
	return RecordTarget{Type: RecordTypeA, Name: "mc.example.com", Content: content, TTL: 60}
}

func TestCloudflare_CreatesRecordWhenAbsent(t *testing.T) {
	fixture := newCloudflareFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	provider := newCloudflareForTest(server.URL, "token", "example.com", zap.NewNop())
	if err := provider.UpsertRecord(context.Background(), aTarget("198.51.100.9")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if len(fixture.created) != 1 || len(fixture.patched) != 0 {
		t.Fatalf("expected one POST and no PATCH, got %d/%d", len(fixture.created), len(fixture.patched))
	}
	payload := fixture.created[0]
	if payload["type"] != "A" || payload["content"] != "198.51.100.9" {
		t.Errorf("unexpected create payload: %+v", payload)
	}
	if payload["proxied"] != false {
		t.Errorf("records must be published unproxied: %+v", payload)
	}
	if payload["ttl"] != float64(60) {
		t.Errorf("unexpected ttl: %v", payload["ttl"])
	}
}

func TestCloudflare_PatchesExistingRecord(t *testing.T) {
	fixture := newCloudflareFixture()
	fixture.records["rec-9"] = map[string]any{"type": "A", "name": "mc.example.com"}
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	provider := newCloudflareForTest(server.URL, "token", "example.com", zap.NewNop())
	if err := provider.UpsertRecord(context.Background(), aTarget("198.51.100.10")); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if len(fixture.patched) != 1 || len(fixture.created) != 0 {
		t.Fatalf("expected one PATCH and no POST, got %d/%d", len(fixture.patched), len(fixture.created))
	}
	if fixture.patched[0]["content"] != "198.51.100.10" {
		t.Errorf("unexpected patch payload: %+v", fixture.patched[0])
	}
}

func TestCloudflare_SRVPayloadCarriesServiceData(t *testing.T) {
	fixture := newCloudflareFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	target := RecordTarget{
		Type:     RecordTypeSRV,
		Name:     "_minecraft._tcp.mc.example.com",
		Content:  "mc.example.com",
		TTL:      60,
		Service:  "_minecraft",
		Proto:    "_tcp",
		SubName:  "mc",
		Priority: 10,
		Weight:   0,
		Port:     40000,
	}

	provider := newCloudflareForTest(server.URL, "token", "example.com", zap.NewNop())
	if err := provider.UpsertRecord(context.Background(), target); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if len(fixture.created) != 1 {
		t.Fatalf("expected one POST, got %d", len(fixture.created))
	}
	data, ok := fixture.created[0]["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected SRV data object, got %+v", fixture.created[0])
	}
	if data["service"] != "_minecraft" || data["proto"] != "_tcp" || data["name"] != "mc" {
		t.Errorf("unexpected SRV labels: %+v", data)
	}
	if data["port"] != float64(40000) || data["target"] != "mc.example.com" {
		t.Errorf("unexpected SRV endpoint: %+v", data)
	}
	if data["priority"] != float64(10) || data["weight"] != float64(0) {
		t.Errorf("unexpected SRV priority/weight: %+v", data)
	}
}

func TestCloudflare_ZoneIDIsCached(t *testing.T) {
	fixture := newCloudflareFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	provider := newCloudflareForTest(server.URL, "token", "example.com", zap.NewNop())
	ctx := context.Background()
	if err := provider.UpsertRecord(ctx, aTarget("198.51.100.9")); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := provider.UpsertRecord(ctx, aTarget("198.51.100.10")); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if fixture.zoneQueries != 1 {
		t.Errorf("expected a single zone lookup, got %d", fixture.zoneQueries)
	}
}

func TestCloudflare_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"not_found", http.StatusNotFound, ErrNotFound},
		{"rate_limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server_error", http.StatusInternalServerError, ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tc.name, tc.status)
			}))
			defer server.Close()

			provider := newCloudflareForTest(server.URL, "token", "example.com", zap.NewNop())
			err := provider.UpsertRecord(context.Background(), aTarget("198.51.100.9"))
			if !errors.Is(err, tc.want) {
				t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
			}
		})
	}
}

func TestCloudflare_MissingZoneIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCF(w, true, []any{})
	}))
	defer server.Close()

	provider := newCloudflareForTest(server.URL, "token", "other.example", zap.NewNop())
	err := provider.UpsertRecord(context.Background(), aTarget("198.51.100.9"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing zone, got %v", err)
	}
}
