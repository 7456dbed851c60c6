// Package config provides the configuration schema and loader for the Parley
// meeting analytics backend.
//
// Configuration is read from a YAML file and overlaid with environment
// variables for the knobs operators most commonly flip per deployment
// (APP_ENV, AUTH_MODE, QUEUE_MODE, STORAGE_MODE, POSTGRES_DSN, …). The YAML
// file is the source of truth for structure; the environment wins on
// conflict.
package config

// Env names the deployment environment. Production tightens the readiness
// gate and disables several development conveniences.
type Env string

const (
	EnvDev  Env = "dev"
	EnvTest Env = "test"
	EnvProd Env = "prod"
)

// IsValid reports whether e is a recognised environment.
func (e Env) IsValid() bool {
	switch e {
	case EnvDev, EnvTest, EnvProd:
		return true
	}
	return false
}

// IsProd reports whether e is the production environment.
func (e Env) IsProd() bool { return e == EnvProd }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AuthMode selects how incoming requests are authenticated.
type AuthMode string

const (
	// AuthNone disables authentication. Local development only; the
	// readiness gate rejects it in production.
	AuthNone AuthMode = "none"

	// AuthAPIKey validates the X-API-Key header against static key sets
	// (one set for user traffic, one for service traffic).
	AuthAPIKey AuthMode = "api_key"

	// AuthJWT validates OIDC bearer tokens (issuer/audience/JWKS), with an
	// optional HS256 shared secret for development.
	AuthJWT AuthMode = "jwt"
)

// IsValid reports whether m is a recognised auth mode.
func (m AuthMode) IsValid() bool {
	switch m {
	case AuthNone, AuthAPIKey, AuthJWT:
		return true
	}
	return false
}

// QueueMode selects how pipeline jobs are executed.
type QueueMode string

const (
	// QueueBroker runs the staged pipeline over the badger-backed queues
	// with worker pools. The normal production mode.
	QueueBroker QueueMode = "broker"

	// QueueInline executes all pipeline stages synchronously in the ingest
	// request path. No retries, no DLQ; failures surface to the caller.
	// Exists for local development and single-process deployments.
	QueueInline QueueMode = "inline"
)

// IsValid reports whether m is a recognised queue mode.
func (m QueueMode) IsValid() bool { return m == QueueBroker || m == QueueInline }

// StorageMode selects the blob store implementation.
type StorageMode string

const (
	// StorageLocal keeps chunk media on the local filesystem. Forbidden in
	// production (a single node's disk is not durable enough).
	StorageLocal StorageMode = "local"

	// StorageSharedFS uses a shared POSIX mount (NFS, CephFS). The code path
	// is identical to local; only the readiness gate treats it differently.
	StorageSharedFS StorageMode = "shared_fs"

	// StorageGCS stores chunk media in a Google Cloud Storage bucket.
	StorageGCS StorageMode = "gcs"
)

// IsValid reports whether m is a recognised storage mode.
func (m StorageMode) IsValid() bool {
	switch m {
	case StorageLocal, StorageSharedFS, StorageGCS:
		return true
	}
	return false
}

// Config is the root configuration structure for Parley.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Broker    BrokerConfig    `yaml:"broker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Connector ConnectorConfig `yaml:"connector"`
	Readiness ReadinessConfig `yaml:"readiness"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Env is the deployment environment: dev, test, or prod.
	Env Env `yaml:"env"`

	// ListenAddr is the TCP address the server listens on (e.g. ":8010").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects "json" (default) or "text" slog output.
	LogFormat string `yaml:"log_format"`
}

// AuthConfig configures authentication and tenancy (see internal/auth).
type AuthConfig struct {
	// Mode selects none, api_key, or jwt.
	Mode AuthMode `yaml:"mode"`

	// UserKeys are static API keys accepted on user routes (comma-separated
	// in the API_KEYS environment variable).
	UserKeys []string `yaml:"user_keys"`

	// ServiceKeys are static API keys accepted on service routes
	// (SERVICE_API_KEYS).
	ServiceKeys []string `yaml:"service_keys"`

	// AllowServiceKeyInJWTMode lets service callers fall back to API keys
	// while user traffic uses JWT. Forced off in production.
	AllowServiceKeyInJWTMode bool `yaml:"allow_service_key_in_jwt_mode"`

	// OIDCIssuerURL is the expected `iss` claim for JWT mode.
	OIDCIssuerURL string `yaml:"oidc_issuer_url"`

	// OIDCJWKSURL is the JWKS endpoint for signature validation. When empty
	// it is derived from the issuer convention
	// (<issuer>/.well-known/jwks.json).
	OIDCJWKSURL string `yaml:"oidc_jwks_url"`

	// OIDCAudience is the expected `aud` claim. Empty disables the check.
	OIDCAudience string `yaml:"oidc_audience"`

	// JWTSharedSecret enables HS256 validation for development setups
	// without an OIDC provider. The readiness gate warns when it is set in
	// production.
	JWTSharedSecret string `yaml:"jwt_shared_secret"`

	// JWTClockSkewSec is the leeway applied to exp/nbf validation.
	JWTClockSkewSec int `yaml:"jwt_clock_skew_sec"`

	// ServiceClaimKey and ServiceClaimValues identify service tokens: a
	// token whose ServiceClaimKey claim matches one of the values is treated
	// as a service principal (defaults: token_type ∈ service,
	// client_credentials, m2m).
	ServiceClaimKey    string   `yaml:"service_claim_key"`
	ServiceClaimValues []string `yaml:"service_claim_values"`

	// TenantClaim is the claim carrying the tenant identifier. Setting
	// EnforceTenancy makes the meeting store filter every read and write by
	// it, and rejects API keys on user routes (keys carry no tenant).
	TenantClaim    string `yaml:"tenant_claim"`
	EnforceTenancy bool   `yaml:"enforce_tenancy"`

	// PersistAudit writes security audit events to the database in addition
	// to the structured log.
	PersistAudit bool `yaml:"persist_audit"`
}

// StorageConfig configures the relational store and the blob store.
type StorageConfig struct {
	// PostgresDSN is the connection string for the meeting store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// BlobMode selects local, shared_fs, or gcs.
	BlobMode StorageMode `yaml:"blob_mode"`

	// ChunksDir is the root directory for local/shared_fs blob storage.
	ChunksDir string `yaml:"chunks_dir"`

	// GCSBucket is the bucket name for gcs blob storage.
	GCSBucket string `yaml:"gcs_bucket"`
}

// BrokerConfig configures the embedded badger queue broker.
type BrokerConfig struct {
	// Path is the directory for the broker's badger files. Empty with
	// InMemory=false is a validation error.
	Path string `yaml:"path"`

	// InMemory runs the broker without disk persistence. Tests only.
	InMemory bool `yaml:"in_memory"`
}

// PipelineConfig tunes the staged job pipeline.
type PipelineConfig struct {
	// Mode selects broker or inline execution.
	Mode QueueMode `yaml:"mode"`

	// WorkerConcurrency is the number of parallel workers per queue.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// VisibilitySec bounds handler execution; a reserved job whose
	// visibility expires is re-delivered to another worker.
	VisibilitySec int `yaml:"visibility_sec"`

	// MaxAttempts is the delivery attempt budget before DLQ.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoffMS is the base delay for nack re-queues; doubled per
	// attempt.
	RetryBackoffMS int `yaml:"retry_backoff_ms"`

	// ShutdownDrainSec is how long in-flight jobs may finish during
	// shutdown before the process stops waiting.
	ShutdownDrainSec int `yaml:"shutdown_drain_sec"`

	// FinalizeInactivitySec finalizes a meeting implicitly after this much
	// silence following the last chunk. An explicit finalize always wins.
	// Zero disables the timer.
	FinalizeInactivitySec int `yaml:"finalize_inactivity_sec"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name selects the implementation; the remaining fields parametrise it.
type ProviderEntry struct {
	// Name selects the implementation (e.g. "openai", "mock").
	Name string `yaml:"name"`

	// APIKey is the provider's API credential, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model, where applicable.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ProvidersConfig declares which implementation serves each pipeline
// capability.
type ProvidersConfig struct {
	STT      ProviderEntry `yaml:"stt"`
	LLM      ProviderEntry `yaml:"llm"`
	Delivery ProviderEntry `yaml:"delivery"`
}

// ConnectorConfig configures the third-party conferencing connector and its
// resilience machinery.
type ConnectorConfig struct {
	// Provider selects the connector adapter: "jazz", "mock", or "none".
	Provider string `yaml:"provider"`

	// APIBase is the provider's HTTP base URL. Production requires https.
	APIBase string `yaml:"api_base"`

	// APIToken authenticates Parley against the provider.
	APIToken string `yaml:"api_token"`

	// TimeoutSec bounds each provider HTTP call.
	TimeoutSec int `yaml:"timeout_sec"`

	// Retries is the number of retries after the first attempt for
	// retryable provider failures.
	Retries int `yaml:"retries"`

	// RetryBackoffMS is the initial backoff between provider retries.
	RetryBackoffMS int `yaml:"retry_backoff_ms"`

	// OpLockTTLSec bounds the per-meeting operation lock. A crashed
	// operator's lock expires after this long.
	OpLockTTLSec int `yaml:"op_lock_ttl_sec"`

	// JoinIdempotentTTLSec makes join return an existing connected session
	// joined within this window without calling the provider.
	JoinIdempotentTTLSec int `yaml:"join_idempotent_ttl_sec"`

	// Circuit breaker tuning.
	CBFailureThreshold   int `yaml:"cb_failure_threshold"`
	CBOpenSec            int `yaml:"cb_open_sec"`
	CBAutoResetMinAgeSec int `yaml:"cb_auto_reset_min_age_sec"`

	// Reconciliation loop tuning.
	ReconcileIntervalSec    int `yaml:"reconcile_interval_sec"`
	ReconcileStaleSec       int `yaml:"reconcile_stale_sec"`
	ReconciliationLimit     int `yaml:"reconciliation_limit"`
	LivePullSessionsLimit   int `yaml:"live_pull_sessions_limit"`
	LivePullBatchLimit      int `yaml:"live_pull_batch_limit"`
	LivePullFailReconnectAt int `yaml:"live_pull_fail_reconnect_threshold"`

	// SelfHealBreaker lets the reconciliation loop reset old breakers whose
	// last failure was not an auth error.
	SelfHealBreaker bool `yaml:"self_heal_breaker"`

	// AutoJoin joins the connector automatically when a realtime meeting
	// starts. The start request may override it per meeting.
	AutoJoin bool `yaml:"auto_join"`
}

// ReadinessConfig tunes the startup readiness gate.
type ReadinessConfig struct {
	// FailFast aborts the process on error-severity readiness issues. Only
	// effective in production.
	FailFast bool `yaml:"fail_fast"`
}
