package types

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

// HistoryAction classifies a subscription transition in the audit trail.
type HistoryAction string

const (
	HistoryActionCreated       HistoryAction = "CREATED"
	HistoryActionRenewed       HistoryAction = "RENEWED"
	HistoryActionUpgraded      HistoryAction = "UPGRADED"
	HistoryActionDowngraded    HistoryAction = "DOWNGRADED"
	HistoryActionCancelled     HistoryAction = "CANCELLED"
	HistoryActionPaymentFailed HistoryAction = "PAYMENT_FAILED"
)

type TransactionStatus string

const (
	TransactionStatusSucceeded         TransactionStatus = "succeeded"
	TransactionStatusFailed            TransactionStatus = "failed"
	TransactionStatusRefunded          TransactionStatus = "refunded"
	TransactionStatusPartiallyRefunded TransactionStatus = "partially_refunded"
)

type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRenewal  TransactionType = "renewal"
)
