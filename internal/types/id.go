// README: Entity identifiers shared by modules.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// ValidID reports whether v is a canonical UUID string.
func ValidID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil && len(v) == 36
}
