// Package config loads the daemon configuration from a JSON or YAML file and
// fills in defaults for every section left empty.
package config
