// Package constants holds file permissions and output formatting values
// shared by cmd/ and internal/ packages.
package constants
