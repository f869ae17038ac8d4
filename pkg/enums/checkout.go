package enums

import "fmt"

// CheckoutEventType marks a step of the hosted checkout flow.
type CheckoutEventType string

const (
	CheckoutEventRedirectSuccess CheckoutEventType = "REDIRECT_SUCCESS"
	CheckoutEventConfirmed       CheckoutEventType = "CONFIRMED"
)

var validCheckoutEventTypes = []CheckoutEventType{
	CheckoutEventRedirectSuccess,
	CheckoutEventConfirmed,
}

// String implements fmt.Stringer.
func (v CheckoutEventType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known CheckoutEventType.
func (v CheckoutEventType) IsValid() bool {
	for _, candidate := range validCheckoutEventTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseCheckoutEventType converts raw input into a CheckoutEventType.
func ParseCheckoutEventType(value string) (CheckoutEventType, error) {
	for _, candidate := range validCheckoutEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid checkout event type %q", value)
}
