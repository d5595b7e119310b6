// Package blob uploads payloads to pre-signed block blob URIs.
//
// The payload is split into fixed-size chunks addressed by their index.
// Every chunk is stored as one block, then a block list naming the blocks in
// index order commits the blob. Nothing is retried here: a failed upload
// leaves an uncommitted blob behind, which the storage service discards.
package blob
