package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full proxy configuration. Values come from defaults, an
// optional config.yaml, and the documented environment contracts (highest
// precedence).
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Routing      RoutingConfig      `mapstructure:"routing"`
	Providers    map[string]Provider `mapstructure:"providers"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Session      SessionConfig      `mapstructure:"session"`
	LoadShedding LoadSheddingConfig `mapstructure:"load_shedding"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RoutingConfig drives provider selection.
type RoutingConfig struct {
	ModelProvider       string   `mapstructure:"model_provider"`   // static primary provider
	FallbackEnabled     bool     `mapstructure:"fallback_enabled"`
	FallbackProvider    string   `mapstructure:"fallback_provider"`
	PreferOllama        bool     `mapstructure:"prefer_ollama"`
	OllamaMaxTools      int      `mapstructure:"ollama_max_tools"`
	OpenRouterMaxTools  int      `mapstructure:"openrouter_max_tools"`
	ComplexityThreshold float64  `mapstructure:"complexity_threshold"`
	ForceLocalPatterns  []string `mapstructure:"force_local_patterns"`
	ForceCloudPatterns  []string `mapstructure:"force_cloud_patterns"`
}

// Provider configures one upstream.
type Provider struct {
	Type          string `mapstructure:"type"` // anthropic | openai | openairesp | ollama | llamacpp | gemini | bedrock | zai
	Endpoint      string `mapstructure:"endpoint"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	Region        string `mapstructure:"region"`         // bedrock
	SecretKey     string `mapstructure:"secret_key"`     // bedrock
	MaxConcurrent int    `mapstructure:"max_concurrent"` // zai semaphore width
}

// BreakerConfig tunes the per-upstream circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// RetryConfig tunes the transport retry layer.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LoopConfig tunes the agent loop safety limits.
type LoopConfig struct {
	MaxSteps            int           `mapstructure:"max_steps"`
	MaxDuration         time.Duration `mapstructure:"max_duration"`
	MaxToolCalls        int           `mapstructure:"max_tool_calls"`
	ToolResultGuard     int           `mapstructure:"tool_result_guard"` // pre-request loop guard threshold
	ToolExecutionMode   string        `mapstructure:"tool_execution_mode"` // server | passthrough | client
	InjectStandardTools bool          `mapstructure:"inject_standard_tools"`
	SmartToolSelection  bool          `mapstructure:"smart_tool_selection"`
}

// PolicyConfig configures the tool-call policy gate.
type PolicyConfig struct {
	DenyTools       []string      `mapstructure:"deny_tools"`
	RateLimitCalls  int           `mapstructure:"rate_limit_calls"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	RateLimitScope  string        `mapstructure:"rate_limit_scope"` // session | global
}

// AuditConfig configures the audit trail and content dictionary.
type AuditConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	LogPath            string `mapstructure:"log_path"`
	DictionaryPath     string `mapstructure:"dictionary_path"`
	TruncateAt         int    `mapstructure:"truncate_at"`
	OversizedThreshold int    `mapstructure:"oversized_threshold"`
	OversizedDir       string `mapstructure:"oversized_dir"`
	OversizedRetention int    `mapstructure:"oversized_retention"`
}

// CacheConfig configures the exact and semantic prompt caches.
type CacheConfig struct {
	ExactEnabled        bool          `mapstructure:"exact_enabled"`
	ExactTTL            time.Duration `mapstructure:"exact_ttl"`
	ExactMaxEntries     int           `mapstructure:"exact_max_entries"`
	SemanticEnabled     bool          `mapstructure:"semantic_enabled"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	SemanticTTL         time.Duration `mapstructure:"semantic_ttl"`
	SemanticMaxEntries  int           `mapstructure:"semantic_max_entries"`
	EmbedURL            string        `mapstructure:"embed_url"`
	EmbedModel          string        `mapstructure:"embed_model"`
}

// SessionConfig configures the session transcript store.
type SessionConfig struct {
	DBPath string `mapstructure:"db_path"` // empty = in-memory store
}

// LoadSheddingConfig rejects new work above memory thresholds.
type LoadSheddingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	HeapMB  int  `mapstructure:"heap_mb"`
}

// dialects is the set of provider types with documented
// <NAME>_{ENDPOINT,API_KEY,MODEL} environment triples.
var dialects = []string{
	"anthropic", "openai", "openairesp", "openrouter",
	"ollama", "llamacpp", "gemini", "bedrock", "zai",
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory or /etc/lynkr, and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lynkr")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	bindEnvContracts(v)
	v.SetEnvPrefix("LYNKR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	// Provider type defaults to the provider's own name when it is a known
	// dialect; a custom name must set type explicitly.
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = name
			cfg.Providers[name] = p
		}
	}

	return &cfg, nil
}

// FilePath returns the config file the loader would read, or "" when none
// exists. Used to point the hot-reload watcher at the right file.
func FilePath() string {
	for _, path := range []string{"config.yaml", "/etc/lynkr/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8585)
	v.SetDefault("server.mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("routing.model_provider", "anthropic")
	v.SetDefault("routing.fallback_enabled", false)
	v.SetDefault("routing.fallback_provider", "anthropic")
	v.SetDefault("routing.prefer_ollama", false)
	v.SetDefault("routing.ollama_max_tools", 4)
	v.SetDefault("routing.openrouter_max_tools", 12)
	v.SetDefault("routing.complexity_threshold", 0.55)
	v.SetDefault("routing.force_local_patterns", []string{"(?i)^(hi|hello|hey)\\b", "(?i)\\bquick question\\b"})
	v.SetDefault("routing.force_cloud_patterns", []string{"(?i)\\brefactor\\b", "(?i)\\barchitecture\\b"})

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout", "60s")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "500ms")
	v.SetDefault("retry.max_delay", "8s")

	v.SetDefault("loop.max_steps", 6)
	v.SetDefault("loop.max_duration", "120s")
	v.SetDefault("loop.max_tool_calls", 20)
	v.SetDefault("loop.tool_result_guard", 3)
	v.SetDefault("loop.tool_execution_mode", "server")
	v.SetDefault("loop.inject_standard_tools", true)
	v.SetDefault("loop.smart_tool_selection", false)

	v.SetDefault("policy.deny_tools", []string{})
	v.SetDefault("policy.rate_limit_calls", 30)
	v.SetDefault("policy.rate_limit_window", "60s")
	v.SetDefault("policy.rate_limit_scope", "session")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_path", "lynkr-audit.jsonl")
	v.SetDefault("audit.dictionary_path", "lynkr-dictionary.jsonl")
	v.SetDefault("audit.truncate_at", 4096)
	v.SetDefault("audit.oversized_threshold", 16384)
	v.SetDefault("audit.oversized_dir", "lynkr-oversized")
	v.SetDefault("audit.oversized_retention", 20)

	v.SetDefault("cache.exact_enabled", false)
	v.SetDefault("cache.exact_ttl", "5m")
	v.SetDefault("cache.exact_max_entries", 256)
	v.SetDefault("cache.semantic_enabled", false)
	v.SetDefault("cache.similarity_threshold", 0.92)
	v.SetDefault("cache.semantic_ttl", "30m")
	v.SetDefault("cache.semantic_max_entries", 512)
	v.SetDefault("cache.embed_url", "http://localhost:11434")
	v.SetDefault("cache.embed_model", "nomic-embed-text")

	v.SetDefault("session.db_path", "")

	v.SetDefault("load_shedding.enabled", false)
	v.SetDefault("load_shedding.heap_mb", 1024)

	v.SetDefault("providers.zai.max_concurrent", 2)
}

// bindEnvContracts maps the documented un-prefixed environment variables onto
// config keys. These take precedence over the YAML file.
func bindEnvContracts(v *viper.Viper) {
	bind := func(key string, env string) {
		_ = v.BindEnv(key, env)
	}

	bind("routing.model_provider", "MODEL_PROVIDER")
	bind("routing.fallback_enabled", "FALLBACK_ENABLED")
	bind("routing.fallback_provider", "FALLBACK_PROVIDER")
	bind("routing.prefer_ollama", "PREFER_OLLAMA")
	bind("routing.ollama_max_tools", "OLLAMA_MAX_TOOLS_FOR_ROUTING")
	bind("routing.openrouter_max_tools", "OPENROUTER_MAX_TOOLS_FOR_ROUTING")

	bind("breaker.failure_threshold", "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	bind("breaker.success_threshold", "CIRCUIT_BREAKER_SUCCESS_THRESHOLD")
	bind("breaker.open_timeout", "CIRCUIT_BREAKER_OPEN_TIMEOUT")

	bind("load_shedding.enabled", "LOAD_SHEDDING_ENABLED")
	bind("load_shedding.heap_mb", "LOAD_SHEDDING_HEAP_MB")

	bind("providers.zai.max_concurrent", "ZAI_MAX_CONCURRENT")

	bind("audit.log_path", "AUDIT_LOG_PATH")
	bind("audit.dictionary_path", "AUDIT_DICTIONARY_PATH")

	for _, name := range dialects {
		upper := strings.ToUpper(name)
		bind("providers."+name+".endpoint", upper+"_ENDPOINT")
		bind("providers."+name+".api_key", upper+"_API_KEY")
		bind("providers."+name+".model", upper+"_MODEL")
	}
	bind("providers.bedrock.region", "BEDROCK_REGION")
	bind("providers.bedrock.secret_key", "BEDROCK_SECRET_KEY")
}
