package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version     int         `yaml:"version"`
	Storage     Storage     `yaml:"storage"`
	Retry       Retry       `yaml:"retry"`
	Backfill    Backfill    `yaml:"backfill"`
	Broadcaster Broadcaster `yaml:"broadcaster"`
	Nodes       []Node      `yaml:"nodes"`
	Filters     []Filter    `yaml:"filters"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Retry struct {
	MaxAttempts     uint64 `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

type Backfill struct {
	ChunkSize   uint64 `yaml:"chunk_size"`
	Concurrency int    `yaml:"concurrency"`
}

type Broadcaster struct {
	Type            string `yaml:"type"`
	URL             string `yaml:"url"`
	Method          string `yaml:"method"`
	Template        string `yaml:"template"`
	CacheExpiration string `yaml:"cache_expiration"`
	CacheSize       int    `yaml:"cache_size"`
	PublishBlocks   bool   `yaml:"publish_blocks"`
}

type Node struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	RPCURL          string   `yaml:"rpc_url"`
	WSURL           string   `yaml:"ws_url"`
	AlgodURL        string   `yaml:"algod_url"`
	AlgodToken      string   `yaml:"algod_token"`
	IndexerURL      string   `yaml:"indexer_url"`
	IndexerToken    string   `yaml:"indexer_token"`
	Confirmations   uint64   `yaml:"confirmations"`
	ReplayDepth     uint64   `yaml:"replay_depth"`
	MaxBlocksToSync uint64   `yaml:"max_blocks_to_sync"`
	StartBlock      *uint64  `yaml:"start_block"`
	PollInterval    string   `yaml:"poll_interval"`
	RateLimit       float64  `yaml:"rate_limit"`
	ABIDirs         []string `yaml:"abi_dirs"`
}

type Filter struct {
	ID          string             `yaml:"id"`
	Node        string             `yaml:"node"`
	Contract    string             `yaml:"contract"`
	Event       string             `yaml:"event"`
	StartBlock  *uint64            `yaml:"start_block"`
	Correlation *event.Correlation `yaml:"correlation,omitempty"`
	Where       []string           `yaml:"where"`
}

// Defaults applied when a setting is omitted.
const (
	DefaultPollInterval    = 4 * time.Second
	DefaultCacheExpiration = 5 * time.Minute
	DefaultCacheSize       = 10000
	DefaultChunkSize       = 2000
	DefaultConcurrency     = 4
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidConfiguration, err)
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node is required")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "", "sqlite":
		if c.Storage.Path == "" {
			c.Storage.Path = "event-relay.db"
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage.driver: %s", c.Storage.Driver)
	}

	if _, err := parseDuration(c.Retry.InitialInterval, DefaultInitialInterval); err != nil {
		return fmt.Errorf("retry.initial_interval: %w", err)
	}
	if _, err := parseDuration(c.Retry.MaxInterval, DefaultMaxInterval); err != nil {
		return fmt.Errorf("retry.max_interval: %w", err)
	}

	if err := c.Broadcaster.Validate(); err != nil {
		return fmt.Errorf("broadcaster: %w", err)
	}

	nodeNames := map[string]struct{}{}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if _, exists := nodeNames[n.Name]; exists {
			return fmt.Errorf("duplicate node name: %s", n.Name)
		}
		nodeNames[n.Name] = struct{}{}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}

	filterIDs := map[string]struct{}{}
	for _, f := range c.Filters {
		if f.ID != "" {
			if _, exists := filterIDs[f.ID]; exists {
				return fmt.Errorf("duplicate filter id: %s", f.ID)
			}
			filterIDs[f.ID] = struct{}{}
		}
		if err := f.Validate(nodeNames); err != nil {
			return fmt.Errorf("filter %s: %w", f.ID, err)
		}
	}

	return nil
}

func (n *Node) Validate() error {
	if n.Name == "" {
		return errors.New("name is required")
	}
	switch strings.ToLower(n.Kind) {
	case "evm":
		if n.RPCURL == "" {
			return errors.New("rpc_url is required for evm nodes")
		}
	case "mirror", "algorand":
		if n.AlgodURL == "" || n.IndexerURL == "" {
			return errors.New("algod_url and indexer_url are required for mirror nodes")
		}
	default:
		return fmt.Errorf("unsupported node kind: %s", n.Kind)
	}
	if _, err := parseDuration(n.PollInterval, DefaultPollInterval); err != nil {
		return fmt.Errorf("poll_interval: %w", err)
	}
	if n.RateLimit < 0 {
		return errors.New("rate_limit must not be negative")
	}
	return nil
}

func (f *Filter) Validate(nodes map[string]struct{}) error {
	if f.Node == "" {
		return errors.New("node is required")
	}
	if _, ok := nodes[f.Node]; !ok {
		return fmt.Errorf("unknown node: %s", f.Node)
	}
	if f.Contract == "" {
		return errors.New("contract is required")
	}
	if f.Event == "" {
		return errors.New("event is required")
	}
	if c := f.Correlation; c != nil {
		switch c.Strategy {
		case event.CorrelationIndexed, event.CorrelationNonIndexed:
		default:
			return fmt.Errorf("unsupported correlation.strategy: %s", c.Strategy)
		}
		if c.Index < 0 {
			return errors.New("correlation.index must not be negative")
		}
	}
	return nil
}

func (b *Broadcaster) Validate() error {
	switch strings.ToLower(b.Type) {
	case "", "log":
	case "slack", "teams", "webhook":
		if b.URL == "" {
			return fmt.Errorf("url is required for %s broadcaster", b.Type)
		}
		if b.Method == "" {
			b.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported broadcaster type: %s", b.Type)
	}
	if _, err := parseDuration(b.CacheExpiration, DefaultCacheExpiration); err != nil {
		return fmt.Errorf("cache_expiration: %w", err)
	}
	if b.CacheSize < 0 {
		return errors.New("cache_size must not be negative")
	}
	return nil
}

// ChainNode converts the node settings to the engine's immutable node identity.
func (n Node) ChainNode() chain.Node {
	kind := chain.KindEVM
	if k := strings.ToLower(n.Kind); k == "mirror" || k == "algorand" {
		kind = chain.KindMirror
	}
	return chain.Node{
		Name:              n.Name,
		Kind:              kind,
		Confirmations:     n.Confirmations,
		ReplayDepth:       n.ReplayDepth,
		MaxBlocksToSync:   n.MaxBlocksToSync,
		InitialStartBlock: n.StartBlock,
	}
}

// Poll returns the node polling interval.
func (n Node) Poll() time.Duration {
	d, _ := parseDuration(n.PollInterval, DefaultPollInterval)
	return d
}

// EventFilter converts a configured filter to a registrable one.
func (f Filter) EventFilter() event.Filter {
	return event.Filter{
		ID:          f.ID,
		Node:        f.Node,
		Address:     event.NormalizeAddress(f.Contract),
		Signature:   strings.ReplaceAll(f.Event, " ", ""),
		StartBlock:  f.StartBlock,
		Correlation: f.Correlation,
		Where:       f.Where,
	}
}

// Expiration returns the dedup cache entry lifetime.
func (b Broadcaster) Expiration() time.Duration {
	d, _ := parseDuration(b.CacheExpiration, DefaultCacheExpiration)
	return d
}

// Size returns the per-cache entry bound.
func (b Broadcaster) Size() int {
	if b.CacheSize == 0 {
		return DefaultCacheSize
	}
	return b.CacheSize
}

// Intervals returns the initial and max backoff intervals.
func (r Retry) Intervals() (initial, max time.Duration) {
	initial, _ = parseDuration(r.InitialInterval, DefaultInitialInterval)
	max, _ = parseDuration(r.MaxInterval, DefaultMaxInterval)
	return initial, max
}

// Attempts returns the bounded retry count for polling work.
func (r Retry) Attempts() uint64 {
	if r.MaxAttempts == 0 {
		return DefaultMaxAttempts
	}
	return r.MaxAttempts
}

// Chunk returns the backfill block range per request.
func (b Backfill) Chunk() uint64 {
	if b.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return b.ChunkSize
}

// Workers returns the backfill concurrency limit.
func (b Backfill) Workers() int {
	if b.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return b.Concurrency
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, err
	}
	if d <= 0 {
		return fallback, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
