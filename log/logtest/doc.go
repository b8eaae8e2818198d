/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides log.FieldLogger implementations for tests:
// a JSON logger writing to stderr and a Recorder that keeps entries for assertions.
package logtest
