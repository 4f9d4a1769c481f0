package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"prod": environmentProduction,
	"stag": environmentStaging,
	"dev":  environmentDevelopment,
}

// AppEnvironment reads the application environment from APP_ENV and defaults
// to development when no value is provided. Common abbreviations are folded
// to their canonical names.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath prefers an environment specific variant of the
// configuration file (config.production.yml next to config.yml) when one
// exists for the current environment.
func resolveEnvSpecificPath(path string) string {
	env := AppEnvironment()
	if env == environmentDevelopment {
		return path
	}

	idx := strings.LastIndex(path, ".")
	if idx <= 0 {
		return path
	}

	envPath := path[:idx] + "." + env + path[idx:]
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}
