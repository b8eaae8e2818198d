/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package jobhandlers contains the built-in SecureShare job handlers: compression of stored blobs,
// removal of stale files and signature scanning. All paths in payloads are relative to the storage root
// and may not leave it.
package jobhandlers

// Job types of the built-in handlers.
const (
	TypeFileCompression = "file-compression"
	TypeCleanup         = "cleanup"
	TypeVirusScan       = "virus-scan"
)
