// Package config loads the bridge configuration: defaults first, then
// the YAML file, then PETTRACER_* environment variable overrides, then
// validation.
//
// Portal credentials and the MQTT password belong in environment
// variables, not in the file.
package config
