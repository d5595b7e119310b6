// Package version exposes build metadata for the publisher.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. UserAgent is sent with every management API request.
package version
