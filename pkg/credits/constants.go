package credits

const (
	operationDebit       = "debit"
	operationCredit      = "credit"
	operationAdjust      = "adjust"
	operationCreateOrder = "create_order"
	operationConfirm     = "confirm_payment"
	operationWebhook     = "gateway_notification"
	operationRenew       = "renew"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	defaultStartingGrant CreditAmount = 50
	defaultMonthlyGrant  CreditAmount = 30

	renewalPageSize = 200

	signaturePartsDelimiter = "|"

	notificationStatusCaptured = "captured"
	notificationStatusFailed   = "failed"
)
