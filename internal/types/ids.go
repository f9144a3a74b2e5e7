package types

import "github.com/google/uuid"

// ID prefixes for each entity type. Prefixed IDs make log lines and support
// tickets self-describing.
const (
	IDPrefixOpportunity = "opp"
	IDPrefixPitch       = "pitch"
	IDPrefixPlacement   = "pl"
	IDPrefixReminder    = "rem"
)

// NewID generates a prefixed UUID identifier, e.g. "pl_6f1c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
