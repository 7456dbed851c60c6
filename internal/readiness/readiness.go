// Package readiness evaluates the configuration against the deployment
// environment before the server starts taking traffic. Development tolerates
// almost anything; production refuses configurations that silently lose data
// or run unauthenticated.
//
// Issues carry a severity: errors abort startup when fail-fast is enabled,
// warnings are logged and served on the admin readiness endpoint either way.
package readiness

import (
	"strings"

	"github.com/MrWong99/parley/internal/config"
)

// Severity grades an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one readiness finding with a stable code.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Evaluate inspects cfg and returns every finding. An empty slice means the
// configuration is clean for its environment.
func Evaluate(cfg *config.Config) []Issue {
	var issues []Issue
	add := func(code string, sev Severity, msg string) {
		issues = append(issues, Issue{Code: code, Severity: sev, Message: msg})
	}
	prod := cfg.Server.Env.IsProd()

	if prod && cfg.Auth.Mode == config.AuthNone {
		add("auth_none_in_prod", SeverityError,
			"auth mode 'none' admits every caller; production requires api_key or jwt")
	}
	if prod && cfg.Auth.JWTSharedSecret != "" {
		add("shared_secret_in_prod", SeverityWarning,
			"an HS256 shared secret is configured; production should validate against the OIDC JWKS only")
	}
	if cfg.Auth.Mode == config.AuthJWT && cfg.Auth.OIDCIssuerURL == "" &&
		cfg.Auth.OIDCJWKSURL == "" && cfg.Auth.JWTSharedSecret == "" {
		add("jwt_unconfigured", SeverityError,
			"jwt mode needs an OIDC issuer, a JWKS URL, or a shared secret")
	}

	if prod && cfg.Storage.BlobMode == config.StorageLocal {
		add("local_storage_in_prod", SeverityError,
			"local blob storage loses chunks on node failure; use shared_fs or gcs in production")
	}
	if cfg.Storage.BlobMode == config.StorageGCS && cfg.Storage.GCSBucket == "" {
		add("gcs_bucket_missing", SeverityError, "gcs blob mode needs storage.gcs_bucket")
	}

	if prod && cfg.Broker.InMemory {
		add("in_memory_broker_in_prod", SeverityError,
			"the in-memory broker loses queued jobs on restart; configure broker.path in production")
	}
	if prod && cfg.Pipeline.Mode == config.QueueInline {
		add("inline_pipeline_in_prod", SeverityWarning,
			"inline pipeline mode has no retries or DLQ; broker mode is recommended in production")
	}

	issues = append(issues, connectorIssues(cfg, prod)...)
	return issues
}

func connectorIssues(cfg *config.Config, prod bool) []Issue {
	c := cfg.Connector
	if c.Provider == "" || c.Provider == "none" {
		return nil
	}
	var issues []Issue
	if c.Provider == "mock" {
		if prod {
			issues = append(issues, Issue{
				Code: "mock_connector_in_prod", Severity: SeverityError,
				Message: "the mock connector serves canned data; production needs a real provider",
			})
		}
		return issues
	}

	if c.APIToken == "" {
		issues = append(issues, Issue{
			Code: "connector_token_missing", Severity: SeverityError,
			Message: "connector provider " + c.Provider + " needs connector.api_token",
		})
	}
	if c.APIBase == "" {
		issues = append(issues, Issue{
			Code: "connector_api_base_missing", Severity: SeverityError,
			Message: "connector provider " + c.Provider + " needs connector.api_base",
		})
	} else if prod && !strings.HasPrefix(c.APIBase, "https://") {
		issues = append(issues, Issue{
			Code: "connector_api_base_insecure", Severity: SeverityError,
			Message: "connector.api_base must use https in production",
		})
	}
	return issues
}

// Errors filters issues down to the error severity.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}
