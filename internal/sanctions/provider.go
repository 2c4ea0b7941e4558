package sanctions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Match is one provider's answer for one address.
type Match struct {
	Sanctioned bool
	Lists      []string
	Confidence float64
}

// Provider is an external sanctions list.
type Provider interface {
	Name() string
	Check(ctx context.Context, addr string) (Match, error)
}

// ---------------------------------------------------------------------------
// HTTP provider
// ---------------------------------------------------------------------------

// HTTPProviderConfig configures an HTTP list provider.
type HTTPProviderConfig struct {
	Name          string  `yaml:"name" validate:"required"`
	BaseURL       string  `yaml:"base_url" validate:"required,url"`
	APIKey        string  `yaml:"api_key"`
	Confidence    float64 `yaml:"confidence"`     // reported on a match
	MaxConcurrent int     `yaml:"max_concurrent"` // in-flight calls
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// HTTPProvider queries an address-identification API of the form
// GET {base}/address/{addr} with an X-API-Key header. The response lists
// identifications; any with a sanctions category is a match.
type HTTPProvider struct {
	config HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates an HTTP provider. Per-call timeouts come from the
// caller's context.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Confidence <= 0 {
		cfg.Confidence = 0.95
	}
	return &HTTPProvider{config: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string { return p.config.Name }

type identificationResponse struct {
	Identifications []struct {
		Category    string `json:"category"`
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"identifications"`
}

// Check queries the provider.
func (p *HTTPProvider) Check(ctx context.Context, addr string) (Match, error) {
	url := fmt.Sprintf("%s/address/%s", strings.TrimRight(p.config.BaseURL, "/"), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Match{}, err
	}
	if p.config.APIKey != "" {
		req.Header.Set("X-API-Key", p.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Match{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Match{}, fmt.Errorf("%s returned %d", p.config.Name, resp.StatusCode)
	}

	var body identificationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Match{}, fmt.Errorf("%s: decode: %w", p.config.Name, err)
	}
	var m Match
	for _, id := range body.Identifications {
		if !strings.Contains(strings.ToLower(id.Category), "sanction") {
			continue
		}
		m.Sanctioned = true
		list := p.config.Name
		if id.Name != "" {
			list = p.config.Name + ":" + strings.ToLower(strings.ReplaceAll(id.Name, " ", "_"))
		}
		m.Lists = append(m.Lists, list)
	}
	if m.Sanctioned {
		m.Confidence = p.config.Confidence
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Static provider
// ---------------------------------------------------------------------------

// StaticProvider answers from a fixed set, as if it were remote.
type StaticProvider struct {
	name string
	list map[string]bool
	conf float64
}

// NewStaticProvider creates a provider that flags exactly addrs.
func NewStaticProvider(name string, addrs []string) *StaticProvider {
	list := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		list[strings.ToLower(a)] = true
	}
	return &StaticProvider{name: name, list: list, conf: 1}
}

// Name returns the provider name.
func (s *StaticProvider) Name() string { return s.name }

// Check looks addr up.
func (s *StaticProvider) Check(ctx context.Context, addr string) (Match, error) {
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}
	if s.list[strings.ToLower(addr)] {
		return Match{Sanctioned: true, Lists: []string{s.name}, Confidence: s.conf}, nil
	}
	return Match{}, nil
}

// ---------------------------------------------------------------------------
// Stub provider
// ---------------------------------------------------------------------------

// StubProvider is a controllable provider for tests. Unknown addresses are
// clean.
type StubProvider struct {
	mu      sync.Mutex
	name    string
	matches map[string]Match
	healthy bool
	delay   time.Duration
	calls   int
	byAddr  map[string]int
}

// NewStubProvider creates a healthy stub.
func NewStubProvider(name string) *StubProvider {
	return &StubProvider{
		name:    name,
		matches: make(map[string]Match),
		healthy: true,
		byAddr:  make(map[string]int),
	}
}

// Name returns the provider name.
func (s *StubProvider) Name() string { return s.name }

// Check returns the configured match, an error when unhealthy, or ctx.Err()
// if the configured delay outlasts ctx.
func (s *StubProvider) Check(ctx context.Context, addr string) (Match, error) {
	s.mu.Lock()
	s.calls++
	s.byAddr[addr]++
	healthy, delay := s.healthy, s.delay
	m := s.matches[addr]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Match{}, ctx.Err()
		}
	}
	if !healthy {
		return Match{}, fmt.Errorf("provider %s is unhealthy", s.name)
	}
	return m, nil
}

// Set configures the answer for addr.
func (s *StubProvider) Set(addr string, m Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[addr] = m
}

// SetHealthy sets whether calls succeed.
func (s *StubProvider) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetDelay makes every call take d.
func (s *StubProvider) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the number of Check calls.
func (s *StubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// CallsFor returns the number of Check calls for addr.
func (s *StubProvider) CallsFor(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAddr[addr]
}
