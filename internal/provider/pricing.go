package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	pricingCacheFile = "openrouter_models.json"
	pricingCacheTTL  = 24 * time.Hour
	pricingAPIURL    = "https://openrouter.ai/api/v1/models"
)

// Pricing holds per-token USD rates for one model.
type Pricing struct {
	PromptUSD     float64
	CompletionUSD float64
}

// PricingTable resolves a provider/model pair to its per-token USD cost.
// Refresh backs it with a 24-hour disk cache of OpenRouter's published
// model list; until the first successful Refresh (or when a model is
// absent from that list, e.g. a local/ARK endpoint), Cost falls back to a
// small built-in table of well-known model families.
type PricingTable struct {
	mu       sync.RWMutex
	fetched  map[string]Pricing
	cacheDir string
	client   *http.Client
}

// NewPricingTable builds a table that answers from the built-in family
// table until Refresh populates it from OpenRouter.
func NewPricingTable() *PricingTable {
	cacheDir := ".qmt"
	if home, err := os.UserHomeDir(); err == nil {
		cacheDir = filepath.Join(home, ".qmt")
	}
	return &PricingTable{
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Refresh loads OpenRouter's model catalog from the disk cache, fetching
// and re-caching it if the cache is missing or older than 24 hours.
func (t *PricingTable) Refresh(ctx context.Context) error {
	path := filepath.Join(t.cacheDir, pricingCacheFile)
	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) < pricingCacheTTL {
		if data, err := os.ReadFile(path); err == nil {
			if err := t.ingest(data); err == nil {
				return nil
			}
		}
	}
	return t.fetchAndCache(ctx, path)
}

func (t *PricingTable) fetchAndCache(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pricingAPIURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := t.ingest(data); err != nil {
		return err
	}
	if err := os.MkdirAll(t.cacheDir, 0o755); err == nil {
		_ = os.WriteFile(path, data, 0o644)
	}
	return nil
}

type openRouterModelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

func (t *PricingTable) ingest(data []byte) error {
	var resp openRouterModelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	fetched := make(map[string]Pricing, len(resp.Data))
	for _, m := range resp.Data {
		prompt, _ := strconv.ParseFloat(m.Pricing.Prompt, 64)
		completion, _ := strconv.ParseFloat(m.Pricing.Completion, 64)
		fetched[m.ID] = Pricing{PromptUSD: prompt, CompletionUSD: completion}
	}
	t.mu.Lock()
	t.fetched = fetched
	t.mu.Unlock()
	return nil
}

// familyPricing is the built-in fallback, covering the model families this
// module's own provider implementations default to or advertise in
// Models(). Rates are per-token USD, annotated with their $/million-token
// equivalent.
var familyPricing = []struct {
	substr string
	rate   Pricing
}{
	{"claude-opus-4", Pricing{PromptUSD: 15.00e-6, CompletionUSD: 75.00e-6}},    // $15 / $75 per Mtok
	{"claude-sonnet-4", Pricing{PromptUSD: 3.00e-6, CompletionUSD: 15.00e-6}},   // $3 / $15 per Mtok
	{"claude-haiku-4", Pricing{PromptUSD: 1.00e-6, CompletionUSD: 5.00e-6}},     // $1 / $5 per Mtok
	{"claude-3-5-sonnet", Pricing{PromptUSD: 3.00e-6, CompletionUSD: 15.00e-6}}, // $3 / $15 per Mtok
	{"claude-3-5-haiku", Pricing{PromptUSD: 0.80e-6, CompletionUSD: 4.00e-6}},   // $0.8 / $4 per Mtok
	{"gpt-5-nano", Pricing{PromptUSD: 0.05e-6, CompletionUSD: 0.40e-6}},         // $0.05 / $0.4 per Mtok
	{"gpt-5-mini", Pricing{PromptUSD: 0.25e-6, CompletionUSD: 2.00e-6}},         // $0.25 / $2 per Mtok
	{"gpt-5", Pricing{PromptUSD: 1.25e-6, CompletionUSD: 10.00e-6}},             // $1.25 / $10 per Mtok
	{"gpt-4o-mini", Pricing{PromptUSD: 0.15e-6, CompletionUSD: 0.60e-6}},        // $0.15 / $0.6 per Mtok
	{"gpt-4o", Pricing{PromptUSD: 2.50e-6, CompletionUSD: 10.00e-6}},            // $2.5 / $10 per Mtok
	{"o1-mini", Pricing{PromptUSD: 1.10e-6, CompletionUSD: 4.40e-6}},            // $1.1 / $4.4 per Mtok
	{"o1", Pricing{PromptUSD: 15.00e-6, CompletionUSD: 60.00e-6}},               // $15 / $60 per Mtok
}

// Cost returns the USD cost of promptTokens/completionTokens against
// providerID/modelID's known rate. It checks the live OpenRouter-derived
// table first (keyed "providerID/modelID", matching ParseModelString's
// inverse), then falls back to a substring match against familyPricing,
// then 0 if the model is entirely unknown (e.g. an ARK endpoint ID).
func (t *PricingTable) Cost(providerID, modelID string, promptTokens, completionTokens int) float64 {
	t.mu.RLock()
	p, ok := t.fetched[providerID+"/"+modelID]
	t.mu.RUnlock()
	if !ok {
		for _, fp := range familyPricing {
			if strings.Contains(modelID, fp.substr) {
				p, ok = fp.rate, true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	return float64(promptTokens)*p.PromptUSD + float64(completionTokens)*p.CompletionUSD
}
