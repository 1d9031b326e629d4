// Package config provides configuration loading and validation for the voice
// packets service. Values are read from a YAML file on top of built-in
// defaults and validated per section.
package config
