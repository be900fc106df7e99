// ABOUTME: Filename sanitization for in-memory attachments, guarding against path traversal.

package taskstore

import (
	"path/filepath"
	"strings"
)

// sanitizeFilename strips directory components and rejects traversal
// sequences, returning "attachment" for anything that sanitizes to empty.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "attachment"
	}
	return name
}
