// Package config loads the MetaPilot daemon configuration from a JSON or
// YAML file and fills in defaults for the learning, memory and orchestration
// layers.
package config
