package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	feederrors "github.com/hpungsan/notefeed/internal/errors"
)

// DirName is the name of both the global (~/.notefeed) and repo (.notefeed) config directories.
const DirName = ".notefeed"

// Config holds application configuration.
type Config struct {
	// TrustWeight is the share of trust in a note's combined score; the rest is recency.
	// 0 means use the default.
	TrustWeight float64 `json:"trust_weight,omitempty" yaml:"trust_weight,omitempty" validate:"gte=0,lte=1"`

	// MaxHops bounds the graph distance at which an author counts as trusted. 0 = unlimited.
	MaxHops int `json:"max_hops,omitempty" yaml:"max_hops,omitempty" validate:"gte=0,lte=10"`

	// TrustedOnly hides notes from untrusted authors.
	TrustedOnly bool `json:"trusted_only,omitempty" yaml:"trusted_only,omitempty"`

	// TrustThreshold is a 0..100 floor on trust score, applied with TrustedOnly.
	TrustThreshold float64 `json:"trust_threshold,omitempty" yaml:"trust_threshold,omitempty" validate:"gte=0,lte=100"`

	// MaxNotes is the working set ceiling.
	MaxNotes int `json:"max_notes,omitempty" yaml:"max_notes,omitempty" validate:"gte=0"`

	// TimeWindowHours is how far back the live subscription and recency scoring reach.
	TimeWindowHours int `json:"time_window_hours,omitempty" yaml:"time_window_hours,omitempty" validate:"gte=0"`

	SortMode string `json:"sort_mode,omitempty" yaml:"sort_mode,omitempty" validate:"omitempty,oneof=combined recent trust"`
	FeedMode string `json:"feed_mode,omitempty" yaml:"feed_mode,omitempty" validate:"omitempty,oneof=following global"`

	// Muted pubkeys and bookmarked event ids.
	Muted     []string `json:"muted,omitempty" yaml:"muted,omitempty" validate:"omitempty,dive,hexadecimal,len=64"`
	Bookmarks []string `json:"bookmarks,omitempty" yaml:"bookmarks,omitempty" validate:"omitempty,dive,hexadecimal,len=64"`

	// Relays to read from and publish to. Unlike the other lists, an overlay
	// replaces the base list instead of extending it.
	Relays []string `json:"relays,omitempty" yaml:"relays,omitempty" validate:"omitempty,dive,url"`

	// ReferencePubkey is the viewer's identity: trust distances and the follow list start here.
	ReferencePubkey string `json:"reference_pubkey,omitempty" yaml:"reference_pubkey,omitempty" validate:"omitempty,hexadecimal,len=64"`

	// OracleURL is the base URL of a remote trust oracle. Empty disables it.
	OracleURL string `json:"oracle_url,omitempty" yaml:"oracle_url,omitempty" validate:"omitempty,url"`

	// StoreBackend selects the durable store: sqlite or badger.
	StoreBackend string `json:"store_backend,omitempty" yaml:"store_backend,omitempty" validate:"omitempty,oneof=sqlite badger"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty" yaml:"db_max_open_conns,omitempty" validate:"gte=0"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty" yaml:"db_max_idle_conns,omitempty" validate:"gte=0"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`

	HTTPBind string `json:"http_bind,omitempty" yaml:"http_bind,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty" validate:"gte=0,lte=65535"`
}

// DefaultRelays are used when no relays are configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TrustWeight:     0.6,
		MaxHops:         3,
		MaxNotes:        500,
		TimeWindowHours: 24,
		SortMode:        "combined",
		FeedMode:        "following",
		Relays:          append([]string(nil), DefaultRelays...),
		StoreBackend:    "sqlite",
		LogLevel:        "info",
		HTTPBind:        "127.0.0.1",
		HTTPPort:        8484,
	}
}

// Load loads configuration from baseDir/config.json or baseDir/config.yaml.
// Returns default config if neither exists.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(findConfigFile(baseDir))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// LoadWithRepo loads configuration from both the global (~/.notefeed) and repo
// (.notefeed) directories. The repo config is the nearest .notefeed/config.*
// walking upward from startDir. Repo config takes precedence for scalar values;
// arrays are merged (deduplicated). Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(findConfigFile(globalDir))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .notefeed/config file.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		if path := findConfigFile(filepath.Join(dir, DirName)); path != "" {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// findConfigFile returns the first of config.json, config.yaml, config.yml in dir.
func findConfigFile(dir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the path is empty or the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.TrustWeight = pick(overlay.TrustWeight, base.TrustWeight)
	result.MaxHops = pick(overlay.MaxHops, base.MaxHops)
	result.TrustThreshold = pick(overlay.TrustThreshold, base.TrustThreshold)
	result.MaxNotes = pick(overlay.MaxNotes, base.MaxNotes)
	result.TimeWindowHours = pick(overlay.TimeWindowHours, base.TimeWindowHours)
	result.SortMode = pick(overlay.SortMode, base.SortMode)
	result.FeedMode = pick(overlay.FeedMode, base.FeedMode)
	result.ReferencePubkey = pick(overlay.ReferencePubkey, base.ReferencePubkey)
	result.OracleURL = pick(overlay.OracleURL, base.OracleURL)
	result.StoreBackend = pick(overlay.StoreBackend, base.StoreBackend)
	result.LogLevel = pick(overlay.LogLevel, base.LogLevel)
	result.DBMaxOpenConns = pick(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pick(overlay.DBMaxIdleConns, base.DBMaxIdleConns)
	result.HTTPBind = pick(overlay.HTTPBind, base.HTTPBind)
	result.HTTPPort = pick(overlay.HTTPPort, base.HTTPPort)

	// Booleans: overlay wins if true, else base
	result.TrustedOnly = base.TrustedOnly || overlay.TrustedOnly

	// Arrays: merge and deduplicate
	result.Muted = mergeStringSlice(base.Muted, overlay.Muted)
	result.Bookmarks = mergeStringSlice(base.Bookmarks, overlay.Bookmarks)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	result.Relays = mergeStringSlice(nil, overlay.Relays)
	if result.Relays == nil {
		result.Relays = mergeStringSlice(nil, base.Relays)
	}

	return result
}

func pick[T comparable](overlay, base T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report json field names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks field ranges and enums. The error is INVALID_REQUEST and
// names every failing field.
func (c *Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return feederrors.NewInvalidRequest(err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return feederrors.NewInvalidRequest("invalid config: " + strings.Join(fields, ", "))
}
