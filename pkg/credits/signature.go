package credits

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Secrets holds the two independent signing secrets used by the
// reconciliation paths. The client-confirmation path signs
// orderID|paymentID with ClientSecret; the gateway-callback path signs the
// raw notification body with WebhookSecret.
type Secrets struct {
	ClientSecret  string
	WebhookSecret string
}

func (secrets Secrets) validate() error {
	if secrets.ClientSecret == "" {
		return fmt.Errorf("%w: client secret is empty", ErrInvalidServiceConfig)
	}
	if secrets.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook secret is empty", ErrInvalidServiceConfig)
	}
	return nil
}

// ConfirmationSignature computes the hex HMAC-SHA256 expected on the
// client-confirmation path. Exposed so client SDKs and tests can produce
// matching signatures.
func ConfirmationSignature(secret string, orderID OrderID, paymentID PaymentID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID.String() + signaturePartsDelimiter + paymentID.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// NotificationSignature computes the hex HMAC-SHA256 over a raw webhook body.
func NotificationSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signaturesEqual(expected string, provided string) bool {
	return hmac.Equal([]byte(expected), []byte(provided))
}
