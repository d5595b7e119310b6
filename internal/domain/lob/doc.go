// Package lob contains core domain types for publishing Win32 line-of-business
// applications.
//
// It defines the archive metadata record, the remote application record and
// its content version and content file children, the local content file stage
// machine, upload chunks, and the error taxonomy shared by every stage of the
// publishing pipeline.
package lob
