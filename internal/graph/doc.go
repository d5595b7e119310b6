// Package graph is a client for the device management endpoints of the
// management API that the publishing pipeline touches: Win32 app records,
// their content versions, content files and commits.
//
// Every non-success response is decoded into a *lob.RemoteAPIError carrying
// the service's error code, message and request id.
package graph
