package enums

import "fmt"

// OutboxAggregateType names the aggregate an outbox event belongs to.
type OutboxAggregateType string

const (
	AggregateOrder         OutboxAggregateType = "order"
	AggregateStore         OutboxAggregateType = "store"
	AggregatePayoutRequest OutboxAggregateType = "payout_request"
	AggregateUser          OutboxAggregateType = "user"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
	AggregateStore,
	AggregatePayoutRequest,
	AggregateUser,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names a domain event queued through the outbox.
type OutboxEventType string

const (
	EventPaymentConfirmed OutboxEventType = "ledger.payment_confirmed"
	EventEscrowReleased   OutboxEventType = "ledger.escrow_released"
	EventOrderRefunded    OutboxEventType = "ledger.order_refunded"
	EventPayoutRequested  OutboxEventType = "payout.requested"
	EventPayoutDecided    OutboxEventType = "payout.decided"
	EventRiskLevelChanged OutboxEventType = "risk.level_changed"
	EventRiskFlagChanged  OutboxEventType = "risk.flag_changed"
	EventTrustTierChanged OutboxEventType = "trust.tier_changed"
	EventSegmentChanged   OutboxEventType = "segment.changed"
)

var validOutboxEventTypes = []OutboxEventType{
	EventPaymentConfirmed,
	EventEscrowReleased,
	EventOrderRefunded,
	EventPayoutRequested,
	EventPayoutDecided,
	EventRiskLevelChanged,
	EventRiskFlagChanged,
	EventTrustTierChanged,
	EventSegmentChanged,
}

// IsValid reports whether the value matches a known outbox event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox event type %q", value)
}
