// Package secrets resolves the credentials a recipe requires before launch.
package secrets

import (
	"log/slog"
	"os"

	"github.com/ashureev/agentdeck/internal/domain"
)

// Report describes the outcome of resolving a recipe's required keys.
// Missing keys degrade the session rather than failing it: the agent simply
// starts without those credentials.
type Report struct {
	Resolved []string
	Missing  []string
}

// Injector resolves a recipe's required environment keys into a mapping the
// session process is launched with.
type Injector interface {
	Resolve(r *domain.Recipe) (map[string]string, Report)
}

// EnvInjector resolves keys from the server process environment.
type EnvInjector struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

// NewEnvInjector creates an environment-backed injector.
func NewEnvInjector(logger *slog.Logger) *EnvInjector {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvInjector{lookup: os.LookupEnv, logger: logger}
}

// Resolve returns the environment mapping for the recipe's declared keys and
// a report of what could not be resolved.
func (e *EnvInjector) Resolve(r *domain.Recipe) (map[string]string, Report) {
	var report Report
	if r == nil || len(r.EnvKeys) == 0 {
		return nil, report
	}

	env := make(map[string]string, len(r.EnvKeys))
	for _, key := range r.EnvKeys {
		value, ok := e.lookup(key)
		if !ok || value == "" {
			report.Missing = append(report.Missing, key)
			continue
		}
		env[key] = value
		report.Resolved = append(report.Resolved, key)
	}

	if len(report.Missing) > 0 {
		e.logger.Warn("[SECRETS] Unresolved recipe keys, session will start degraded",
			"recipe_id", r.ID,
			"missing", report.Missing,
		)
	}
	return env, report
}
