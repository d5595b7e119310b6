// Package config loads the publisher settings from YAML with LOB_PUBLISHER_*
// environment overrides, and the app descriptor that describes what to publish.
package config
