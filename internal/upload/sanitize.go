// SPDX-License-Identifier: MIT

package upload

import (
	"path"
	"strings"
)

// forbidden characters are replaced with '_' in client-supplied filenames.
const forbiddenChars = `/\:*?"<>|`

// SanitizeFilename reduces a client-supplied name to a safe basename:
// control characters are stripped, filesystem-special characters replaced,
// and the empty, "." and ".." results rejected.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20:
			// drop control characters
		case strings.ContainsRune(forbiddenChars, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "", ErrInvalidInput
	}
	return out, nil
}
