//go:build !dev

package config

// Production builds read the environment as-is; .env files are a dev
// convenience behind the dev build tag.
func loadDotEnv() error { return nil }
