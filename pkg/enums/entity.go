package enums

import "fmt"

// EntityType names a cached record family and the outbox queue it syncs through.
type EntityType string

const (
	EntityWallet       EntityType = "wallet"
	EntityTransaction  EntityType = "transaction"
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
	EntityRFQ          EntityType = "rfq"
	EntityQuote        EntityType = "quote"
)

var validEntityTypes = []EntityType{
	EntityWallet,
	EntityTransaction,
	EntityConversation,
	EntityMessage,
	EntityRFQ,
	EntityQuote,
}

// EntityTypes returns the known entity types in declaration order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(validEntityTypes))
	copy(out, validEntityTypes)
	return out
}

func (e EntityType) String() string {
	return string(e)
}

// IsValid reports whether the value is a known entity type.
func (e EntityType) IsValid() bool {
	for _, candidate := range validEntityTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseEntityType converts raw input into EntityType.
func ParseEntityType(value string) (EntityType, error) {
	for _, candidate := range validEntityTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entity type %q", value)
}
