package wire

// EventOp represents a subscription-management operation carried by an
// Event request.
type EventOp uint8

const (
	// OpSubscribe registers a host for change notifications.
	OpSubscribe EventOp = 1

	// OpRenew extends an existing subscription's expiry.
	OpRenew EventOp = 2

	// OpUnsubscribe removes a subscription immediately.
	OpUnsubscribe EventOp = 3
)

// String returns the operation name.
func (o EventOp) String() string {
	switch o {
	case OpSubscribe:
		return "Subscribe"
	case OpRenew:
		return "Renew"
	case OpUnsubscribe:
		return "Unsubscribe"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is a valid event operation.
func (o EventOp) IsValid() bool {
	return o >= OpSubscribe && o <= OpUnsubscribe
}
