// Package archive launches the external archiving program for a resolved
// directory and exposes its standard output as a stream. The program is always
// started from an argument vector; no shell ever sees the directory path.
package archive
