package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	PaymentExpired PaymentStatus = "expired"
)

var statusNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {},
	StatusCancelled: {},
}

var paymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending: {PaymentPaid: true, PaymentFailed: true, PaymentExpired: true},
	PaymentPaid:    {},
	PaymentFailed:  {},
	PaymentExpired: {},
}

func CanTransition(from, to Status) bool {
	return statusNext[from][to]
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return paymentNext[from][to]
}
