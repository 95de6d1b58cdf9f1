// Package storage maps archive identifiers from request URLs to directories
// under the configured storage root. Identifiers are untrusted input, so every
// resolution is confined to the root both lexically and after symlinks are
// evaluated.
package storage
