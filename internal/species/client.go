// Package species provides the name to taxonomic ID snapshot used when
// deriving species identity. A snapshot is fetched once per batch.
package species

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/biosurvey/internal/derive"
	"github.com/rpattn/biosurvey/internal/metrics"
)

// Source supplies a canonical name to name_id mapping.
type Source interface {
	Snapshot(ctx context.Context) (map[string]int, error)
}

// Entry is one element of the remote species list.
type Entry struct {
	SpeciesName string `json:"species_name"`
	NameID      int    `json:"name_id"`
}

// Client fetches the species list from a remote HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client. The base URL must return a JSON array of
// {"species_name", "name_id"} objects.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Snapshot downloads the full species list.
func (c *Client) Snapshot(ctx context.Context) (map[string]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build species request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch species list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("species service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode species list: %w", err)
	}

	metrics.IncSpeciesSnapshot("remote")
	log.Printf("[SPECIES] fetched %d species names", len(entries))
	return Index(entries), nil
}

// Index builds the snapshot map keyed by canonical name. The first ID wins
// when a name repeats.
func Index(entries []Entry) map[string]int {
	snapshot := make(map[string]int, len(entries))
	for _, entry := range entries {
		name := derive.CanonicalName(entry.SpeciesName)
		if name == "" {
			continue
		}
		if _, exists := snapshot[name]; !exists {
			snapshot[name] = entry.NameID
		}
	}
	return snapshot
}

// Static serves a fixed snapshot; the zero value is an empty mapping.
type Static map[string]int

// Snapshot returns a copy of the mapping.
func (s Static) Snapshot(context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s))
	for name, id := range s {
		out[name] = id
	}
	return out, nil
}
