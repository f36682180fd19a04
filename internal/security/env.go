// Package security keeps secrets out of job subprocesses, captured job
// output and log lines.
package security

import (
	"strings"
)

// sensitiveEnvPrefixes are environment variable prefixes that are stripped
// from job environments. For variables that need exact matching only, see
// sensitiveEnvExact.
var sensitiveEnvPrefixes = []string{
	"CRONKEEP_",
	"AWS_SECRET",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITLAB_TOKEN",
	"SLACK_TOKEN",
	"SMTP_PASSWORD",
	"PGPASSWORD",
	"OTEL_EXPORTER_OTLP_HEADERS",
}

// sensitiveEnvExact are stripped only on an exact name match, so DB_PORT or
// DATABASE_HOST still reach the job.
var sensitiveEnvExact = map[string]struct{}{
	"AWS_SECRET_ACCESS_KEY": {},
	"DATABASE_URL":          {},
	"DB_PASSWORD":           {},
	"REDIS_PASSWORD":        {},
}

// minSecretLen is the shortest stripped value that is also scrubbed from
// output. Shorter values ("yes", "1") would cause false positives.
const minSecretLen = 8

// SanitizedEnv returns environ without sensitive variables. The values of
// the stripped variables are returned separately so they can be fed to a
// Redactor.
func SanitizedEnv(environ []string) (env, secrets []string) {
	env = make([]string, 0, len(environ))
	for _, entry := range environ {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if IsSensitiveEnvVar(key) {
			if len(value) >= minSecretLen {
				secrets = append(secrets, value)
			}
			continue
		}
		env = append(env, entry)
	}
	return env, secrets
}

// IsSensitiveEnvVar reports whether name is a known secret-bearing
// variable. Matching is case-insensitive.
func IsSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)

	if _, ok := sensitiveEnvExact[upper]; ok {
		return true
	}
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}
