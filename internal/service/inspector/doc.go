// Package inspector prints the metadata record of a content archive without
// contacting the management service.
package inspector
