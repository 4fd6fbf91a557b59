// Package config provides configuration loading and validation for the voice
// relay. Values come from defaults, an optional YAML file, an optional dotenv
// file, the environment and finally command line flags.
package config
