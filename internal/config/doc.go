// Package config provides configuration loading and validation for soundlink.
// Settings live in a YAML file; every section validates itself and missing keys
// fall back to Default.
package config
