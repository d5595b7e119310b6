// Package content drives the remote content version lifecycle for one app:
// it registers the payload, waits for a storage URI, uploads the blocks,
// commits the encryption info, waits for the commit and points the app at
// the new version.
//
// The orchestrator never deletes anything; compensation belongs to the
// publisher that created the app.
package content
