package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed identifier, e.g. "prj_6f1c...". The prefix keeps
// ids self-describing in logs and foreign keys.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
