// Package config loads and validates YAML configuration for the marketstream
// binaries.
//
// Files may reference environment variables with ${VAR}; they are expanded
// before parsing. Zero-valued optional fields receive defaults; required
// fields fail validation with a field-qualified error.
package config
