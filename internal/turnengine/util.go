package turnengine

import "github.com/google/uuid"

// newID builds a prefixed, globally unique identifier, matching the style
// used for session and tool-call IDs elsewhere in the module.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
