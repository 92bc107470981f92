package enums

import "fmt"

// RFQStatus tracks a request for quotation.
type RFQStatus string

const (
	RFQOpen      RFQStatus = "open"
	RFQQuoted    RFQStatus = "quoted"
	RFQAwarded   RFQStatus = "awarded"
	RFQCancelled RFQStatus = "cancelled"
	RFQExpired   RFQStatus = "expired"
)

var validRFQStatuses = []RFQStatus{
	RFQOpen,
	RFQQuoted,
	RFQAwarded,
	RFQCancelled,
	RFQExpired,
}

func (s RFQStatus) IsValid() bool {
	for _, candidate := range validRFQStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsClosed reports whether the RFQ no longer accepts edits or quotes.
func (s RFQStatus) IsClosed() bool {
	return s == RFQAwarded || s == RFQCancelled || s == RFQExpired
}

func ParseRFQStatus(value string) (RFQStatus, error) {
	for _, candidate := range validRFQStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid rfq status %q", value)
}

// QuoteStatus tracks a vendor quote against an RFQ.
type QuoteStatus string

const (
	QuoteSubmitted QuoteStatus = "submitted"
	QuoteWithdrawn QuoteStatus = "withdrawn"
	QuoteAccepted  QuoteStatus = "accepted"
	QuoteRejected  QuoteStatus = "rejected"
)

func (s QuoteStatus) IsValid() bool {
	switch s {
	case QuoteSubmitted, QuoteWithdrawn, QuoteAccepted, QuoteRejected:
		return true
	}
	return false
}
