package engine

import (
	"github.com/google/uuid"
)

// IDGenerator generates the operation IDs recorded in the journal.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 operation IDs, so journal
// rows sort by creation time across keys.
type UUIDv7Generator struct{}

// Generate panics only if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
