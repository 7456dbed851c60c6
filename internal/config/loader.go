package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for fields left at their zero value.
const (
	defaultListenAddr            = ":8010"
	defaultVisibilitySec         = 120
	defaultMaxAttempts           = 3
	defaultRetryBackoffMS        = 500
	defaultWorkerConcurrency     = 2
	defaultShutdownDrainSec      = 20
	defaultConnectorTimeoutSec   = 10
	defaultConnectorRetries      = 2
	defaultConnectorBackoffMS    = 300
	defaultOpLockTTLSec          = 30
	defaultJoinIdempotentTTLSec  = 60
	defaultCBFailureThreshold    = 5
	defaultCBOpenSec             = 30
	defaultCBAutoResetMinAgeSec  = 300
	defaultReconcileIntervalSec  = 15
	defaultReconcileStaleSec     = 120
	defaultReconciliationLimit   = 20
	defaultLivePullSessions      = 10
	defaultLivePullBatch         = 16
	defaultLivePullFailReconnect = 3
	defaultJWTClockSkewSec       = 30
)

// Load reads the YAML configuration file at path, overlays environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays the environment,
// applies defaults, and validates. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the well-known deployment environment variables onto cfg.
// Unset variables leave the YAML values untouched.
func ApplyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setList := func(dst *[]string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = SplitKeys(v)
		}
	}

	if v, ok := os.LookupEnv("APP_ENV"); ok {
		cfg.Server.Env = Env(strings.ToLower(strings.TrimSpace(v)))
	}
	setStr(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	setStr(&cfg.Server.LogFormat, "LOG_FORMAT")

	if v, ok := os.LookupEnv("AUTH_MODE"); ok {
		cfg.Auth.Mode = AuthMode(strings.ToLower(strings.TrimSpace(v)))
	}
	setList(&cfg.Auth.UserKeys, "API_KEYS")
	setList(&cfg.Auth.ServiceKeys, "SERVICE_API_KEYS")
	setBool(&cfg.Auth.AllowServiceKeyInJWTMode, "ALLOW_SERVICE_API_KEY_IN_JWT_MODE")
	setStr(&cfg.Auth.OIDCIssuerURL, "OIDC_ISSUER_URL")
	setStr(&cfg.Auth.OIDCJWKSURL, "OIDC_JWKS_URL")
	setStr(&cfg.Auth.OIDCAudience, "OIDC_AUDIENCE")
	setStr(&cfg.Auth.JWTSharedSecret, "JWT_SHARED_SECRET")
	setInt(&cfg.Auth.JWTClockSkewSec, "JWT_CLOCK_SKEW_SEC")

	setStr(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")
	if v, ok := os.LookupEnv("STORAGE_MODE"); ok {
		cfg.Storage.BlobMode = StorageMode(strings.ToLower(strings.TrimSpace(v)))
	}
	setStr(&cfg.Storage.ChunksDir, "CHUNKS_DIR")
	setStr(&cfg.Storage.GCSBucket, "GCS_BUCKET")
	setStr(&cfg.Broker.Path, "BROKER_PATH")

	if v, ok := os.LookupEnv("QUEUE_MODE"); ok {
		cfg.Pipeline.Mode = QueueMode(strings.ToLower(strings.TrimSpace(v)))
	}

	setStr(&cfg.Connector.Provider, "MEETING_CONNECTOR_PROVIDER")
	setStr(&cfg.Connector.APIBase, "CONNECTOR_API_BASE")
	setStr(&cfg.Connector.APIToken, "CONNECTOR_API_TOKEN")
	setInt(&cfg.Connector.TimeoutSec, "CONNECTOR_TIMEOUT_SEC")
	setInt(&cfg.Connector.Retries, "CONNECTOR_RETRIES")
	setInt(&cfg.Connector.RetryBackoffMS, "CONNECTOR_RETRY_BACKOFF_MS")

	setBool(&cfg.Readiness.FailFast, "READINESS_FAIL_FAST")
}

// SplitKeys parses a comma-separated key list, trimming whitespace and
// dropping empty entries.
func SplitKeys(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// applyDefaults fills zero-valued fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Env == "" {
		cfg.Server.Env = EnvDev
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "json"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthAPIKey
	}
	if cfg.Server.Env.IsProd() {
		cfg.Auth.AllowServiceKeyInJWTMode = false
	}
	if cfg.Auth.JWTClockSkewSec <= 0 {
		cfg.Auth.JWTClockSkewSec = defaultJWTClockSkewSec
	}
	if cfg.Auth.ServiceClaimKey == "" {
		cfg.Auth.ServiceClaimKey = "token_type"
	}
	if len(cfg.Auth.ServiceClaimValues) == 0 {
		cfg.Auth.ServiceClaimValues = []string{"service", "client_credentials", "m2m"}
	}
	if cfg.Auth.TenantClaim == "" {
		cfg.Auth.TenantClaim = "tenant"
	}
	if cfg.Storage.BlobMode == "" {
		cfg.Storage.BlobMode = StorageLocal
	}
	if cfg.Storage.ChunksDir == "" {
		cfg.Storage.ChunksDir = "./data/chunks"
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = QueueBroker
	}
	if cfg.Pipeline.WorkerConcurrency <= 0 {
		cfg.Pipeline.WorkerConcurrency = defaultWorkerConcurrency
	}
	if cfg.Pipeline.VisibilitySec <= 0 {
		cfg.Pipeline.VisibilitySec = defaultVisibilitySec
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Pipeline.RetryBackoffMS <= 0 {
		cfg.Pipeline.RetryBackoffMS = defaultRetryBackoffMS
	}
	if cfg.Pipeline.ShutdownDrainSec <= 0 {
		cfg.Pipeline.ShutdownDrainSec = defaultShutdownDrainSec
	}
	if cfg.Connector.Provider == "" {
		cfg.Connector.Provider = "mock"
	}
	if cfg.Connector.TimeoutSec <= 0 {
		cfg.Connector.TimeoutSec = defaultConnectorTimeoutSec
	}
	if cfg.Connector.Retries <= 0 {
		cfg.Connector.Retries = defaultConnectorRetries
	}
	if cfg.Connector.RetryBackoffMS <= 0 {
		cfg.Connector.RetryBackoffMS = defaultConnectorBackoffMS
	}
	if cfg.Connector.OpLockTTLSec <= 0 {
		cfg.Connector.OpLockTTLSec = defaultOpLockTTLSec
	}
	if cfg.Connector.JoinIdempotentTTLSec <= 0 {
		cfg.Connector.JoinIdempotentTTLSec = defaultJoinIdempotentTTLSec
	}
	if cfg.Connector.CBFailureThreshold <= 0 {
		cfg.Connector.CBFailureThreshold = defaultCBFailureThreshold
	}
	if cfg.Connector.CBOpenSec <= 0 {
		cfg.Connector.CBOpenSec = defaultCBOpenSec
	}
	if cfg.Connector.CBAutoResetMinAgeSec <= 0 {
		cfg.Connector.CBAutoResetMinAgeSec = defaultCBAutoResetMinAgeSec
	}
	if cfg.Connector.ReconcileIntervalSec <= 0 {
		cfg.Connector.ReconcileIntervalSec = defaultReconcileIntervalSec
	}
	if cfg.Connector.ReconcileStaleSec <= 0 {
		cfg.Connector.ReconcileStaleSec = defaultReconcileStaleSec
	}
	if cfg.Connector.ReconciliationLimit <= 0 {
		cfg.Connector.ReconciliationLimit = defaultReconciliationLimit
	}
	if cfg.Connector.LivePullSessionsLimit <= 0 {
		cfg.Connector.LivePullSessionsLimit = defaultLivePullSessions
	}
	if cfg.Connector.LivePullBatchLimit <= 0 {
		cfg.Connector.LivePullBatchLimit = defaultLivePullBatch
	}
	if cfg.Connector.LivePullFailReconnectAt <= 0 {
		cfg.Connector.LivePullFailReconnectAt = defaultLivePullFailReconnect
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "mock"
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "mock"
	}
	if cfg.Providers.Delivery.Name == "" {
		cfg.Providers.Delivery.Name = "mock"
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.Env.IsValid() {
		errs = append(errs, fmt.Errorf("server.env %q is invalid; valid values: dev, test, prod", cfg.Server.Env))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "json" && cfg.Server.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}
	if !cfg.Auth.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("auth.mode %q is invalid; valid values: none, api_key, jwt", cfg.Auth.Mode))
	}
	if cfg.Auth.Mode == AuthJWT && cfg.Auth.OIDCIssuerURL == "" && cfg.Auth.OIDCJWKSURL == "" && cfg.Auth.JWTSharedSecret == "" {
		errs = append(errs, errors.New("auth.mode jwt requires oidc_issuer_url, oidc_jwks_url, or jwt_shared_secret"))
	}
	if !cfg.Storage.BlobMode.IsValid() {
		errs = append(errs, fmt.Errorf("storage.blob_mode %q is invalid; valid values: local, shared_fs, gcs", cfg.Storage.BlobMode))
	}
	if cfg.Storage.BlobMode == StorageGCS && cfg.Storage.GCSBucket == "" {
		errs = append(errs, errors.New("storage.blob_mode gcs requires storage.gcs_bucket"))
	}
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if !cfg.Broker.InMemory && cfg.Broker.Path == "" {
		errs = append(errs, errors.New("broker.path is required unless broker.in_memory is set"))
	}
	if !cfg.Pipeline.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.mode %q is invalid; valid values: broker, inline", cfg.Pipeline.Mode))
	}
	switch cfg.Connector.Provider {
	case "jazz", "mock", "none":
	default:
		errs = append(errs, fmt.Errorf("connector.provider %q is invalid; valid values: jazz, mock, none", cfg.Connector.Provider))
	}
	if cfg.Connector.Provider == "jazz" && cfg.Connector.APIBase == "" {
		errs = append(errs, errors.New("connector.provider jazz requires connector.api_base"))
	}

	return errors.Join(errs...)
}
