// Package publisher creates or reuses a Win32 app, publishes a content version
// for it and deletes the app again when it created it and a later step fails.
//
// Run wires the whole pipeline from configuration for the CLI.
package publisher
