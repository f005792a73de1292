// Package config provides configuration loading and validation for the voice answer service.
// It handles YAML-based configuration with per-section validation and OMNI_* environment
// overrides, optionally read from .env files.
package config
