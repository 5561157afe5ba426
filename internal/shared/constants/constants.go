package constants

import (
	"io/fs"
)

const (
	// DefaultDirPerm is used when creating parent directories for data files.
	DefaultDirPerm fs.FileMode = 0o755
	// DefaultFilePerm is used for exported reports.
	DefaultFilePerm fs.FileMode = 0o644
)

const (
	// JSONPrefix and JSONIndent format every indented JSON document the CLI
	// prints or writes.
	JSONPrefix = ""
	JSONIndent = "  "
)
