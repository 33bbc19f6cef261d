package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateOrder registers a purchase with the payment gateway and persists the
// resulting order as pending. The gateway-issued order id keys the record;
// if persistence fails the purchase must not be treated as started.
func (service *Service) CreateOrder(ctx context.Context, userID UserID, fiatAmountCents int64, creditAmount CreditAmount) (Order, error) {
	order, operationError := service.createOrder(ctx, userID, fiatAmountCents, creditAmount)
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateOrder,
		UserID:    userID,
		OrderID:   order.OrderID,
		Amount:    creditAmount.Int64(),
		Error:     operationError,
	})
	return order, operationError
}

func (service *Service) createOrder(ctx context.Context, userID UserID, fiatAmountCents int64, creditAmount CreditAmount) (Order, error) {
	if fiatAmountCents <= 0 {
		return Order{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidFiatAmount)
	}
	receipt := uuid.NewString()
	orderID, err := service.gateway.RegisterOrder(ctx, OrderRegistration{
		Receipt:         receipt,
		UserID:          userID,
		FiatAmountCents: fiatAmountCents,
		CreditAmount:    creditAmount,
	})
	if err != nil {
		return Order{}, err
	}
	order := Order{
		OrderID:         orderID,
		UserID:          userID,
		Receipt:         receipt,
		FiatAmountCents: fiatAmountCents,
		CreditAmount:    creditAmount,
		Status:          OrderStatusPending,
		MetadataJSON:    "{}",
	}
	if err := service.store.CreateOrder(ctx, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// Order returns a purchase order by its gateway-issued id.
func (service *Service) Order(ctx context.Context, orderID OrderID) (Order, error) {
	return service.store.GetOrder(ctx, orderID)
}
