// Package config provides configuration loading and validation for the archive
// streaming service. Settings come from built-in defaults, an optional YAML
// file, and finally command line flags applied by the caller.
package config
