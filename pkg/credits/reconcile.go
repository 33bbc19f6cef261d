package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GatewayNotification is the asynchronously delivered callback body. The
// gateway signs the raw bytes with the webhook secret; the signature travels
// in a header, never in the body.
type GatewayNotification struct {
	Event   string              `json:"event"`
	Payload NotificationPayload `json:"payload"`
}

// NotificationPayload carries the gateway's own order and payment identifiers.
type NotificationPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// ConfirmPayment settles an order from the client-confirmation path. The
// signature is recomputed from the order and payment ids using the shared
// client secret; a mismatch rejects the request before any state is touched.
func (service *Service) ConfirmPayment(ctx context.Context, orderID OrderID, paymentID PaymentID, signature string) (ReconcileResult, error) {
	var result ReconcileResult
	var operationError error
	expected := ConfirmationSignature(service.secrets.ClientSecret, orderID, paymentID)
	if !signaturesEqual(expected, signature) {
		operationError = ErrInvalidSignature
	} else {
		result, operationError = service.settleOrder(ctx, orderID, paymentID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationConfirm,
		UserID:    result.Order.UserID,
		OrderID:   orderID,
		Amount:    result.Order.CreditAmount.Int64(),
		Status:    reconcileStatus(result, operationError),
		Error:     operationError,
	})
	return result, operationError
}

// ProcessNotification settles or fails an order from the gateway-callback
// path. The raw body is verified against the webhook secret independently of
// the client path. Duplicate deliveries and races with ConfirmPayment are
// absorbed by the order's single pending→completed transition; the caller
// must still acknowledge AlreadyCompleted outcomes as success or the gateway
// will redeliver indefinitely.
func (service *Service) ProcessNotification(ctx context.Context, body []byte, signature string) (ReconcileResult, error) {
	result, operationError := service.processNotification(ctx, body, signature)
	service.logOperation(ctx, OperationLog{
		Operation: operationWebhook,
		UserID:    result.Order.UserID,
		OrderID:   result.Order.OrderID,
		Amount:    result.Order.CreditAmount.Int64(),
		Status:    reconcileStatus(result, operationError),
		Error:     operationError,
	})
	return result, operationError
}

func (service *Service) processNotification(ctx context.Context, body []byte, signature string) (ReconcileResult, error) {
	expected := NotificationSignature(service.secrets.WebhookSecret, body)
	if !signaturesEqual(expected, signature) {
		return ReconcileResult{}, ErrInvalidSignature
	}
	var notification GatewayNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	orderID, err := NewOrderID(notification.Payload.OrderID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: missing order id", ErrInvalidNotification)
	}
	switch notification.Payload.Status {
	case notificationStatusCaptured:
		paymentID, err := NewPaymentID(notification.Payload.PaymentID)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("%w: missing payment id", ErrInvalidNotification)
		}
		return service.settleOrder(ctx, orderID, paymentID)
	case notificationStatusFailed:
		return service.failOrder(ctx, orderID)
	}
	return ReconcileResult{}, fmt.Errorf("%w: unsupported status %q", ErrInvalidNotification, notification.Payload.Status)
}

// settleOrder applies the credit for an order exactly once. The pending→
// completed transition and the balance credit run in one store transaction:
// whichever path wins the conditional transition performs the single credit,
// and a credit failure rolls the transition back rather than stranding a
// completed-but-uncredited order.
func (service *Service) settleOrder(ctx context.Context, orderID OrderID, paymentID PaymentID) (ReconcileResult, error) {
	var result ReconcileResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		order, err := transactionStore.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		completionError := transactionStore.CompleteOrder(ctx, orderID, paymentID)
		if errors.Is(completionError, ErrOrderCompleted) {
			ledgerRecord, err := transactionStore.GetOrCreateLedger(ctx, order.UserID, service.startingGrant, service.currentEpoch())
			if err != nil {
				return err
			}
			result = ReconcileResult{Order: order, Applied: false, NewBalance: ledgerRecord.Balance}
			return nil
		}
		if completionError != nil {
			return completionError
		}
		if _, err := transactionStore.GetOrCreateLedger(ctx, order.UserID, service.startingGrant, service.currentEpoch()); err != nil {
			return err
		}
		newBalance, err := transactionStore.CreditBalance(ctx, order.UserID, order.CreditAmount)
		if err != nil {
			return err
		}
		order.Status = OrderStatusCompleted
		order.PaymentReference = paymentID.String()
		result = ReconcileResult{Order: order, Applied: true, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

// failOrder records a gateway-reported payment failure. An order already
// completed stays completed; transitions are monotonic.
func (service *Service) failOrder(ctx context.Context, orderID OrderID) (ReconcileResult, error) {
	var result ReconcileResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		order, err := transactionStore.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		failureError := transactionStore.FailOrder(ctx, orderID)
		if errors.Is(failureError, ErrOrderCompleted) || errors.Is(failureError, ErrOrderFailed) {
			result = ReconcileResult{Order: order, Applied: false}
			return nil
		}
		if failureError != nil {
			return failureError
		}
		order.Status = OrderStatusFailed
		result = ReconcileResult{Order: order, Applied: true}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return result, nil
}

func reconcileStatus(result ReconcileResult, err error) string {
	if err != nil {
		return operationStatusError
	}
	if !result.Applied {
		return operationStatusSkipped
	}
	return operationStatusOK
}
