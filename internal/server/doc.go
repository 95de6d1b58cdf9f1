// Package server implements the HTTP front end: the static index page and the
// streaming archive endpoint. It maps resolver, archiver and relay failures to
// status codes while the response is still uncommitted, and aborts the
// connection once bytes have gone out.
package server
