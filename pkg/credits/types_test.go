package credits

import (
	"errors"
	"testing"
	"time"
)

func TestIdentifierConstructorsTrimAndValidate(t *testing.T) {
	t.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil || userID.String() != "user-1" {
		t.Fatalf("expected trimmed user id, got %q err %v", userID, err)
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := NewOrderID(""); !errors.Is(err, ErrInvalidOrderID) {
		t.Fatalf("expected ErrInvalidOrderID, got %v", err)
	}
	if _, err := NewPaymentID(""); !errors.Is(err, ErrInvalidPaymentID) {
		t.Fatalf("expected ErrInvalidPaymentID, got %v", err)
	}
}

func TestNewCreditAmountRejectsNonPositive(t *testing.T) {
	t.Parallel()
	if _, err := NewCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Fatalf("expected ErrInvalidCreditAmount for zero, got %v", err)
	}
	if _, err := NewCreditAmount(-5); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Fatalf("expected ErrInvalidCreditAmount for negative, got %v", err)
	}
	amount, err := NewCreditAmount(12)
	if err != nil || amount.Int64() != 12 {
		t.Fatalf("expected amount 12, got %d err %v", amount, err)
	}
}

func TestMonthEpochEncoding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		raw   int64
		valid bool
	}{
		{name: "valid", raw: 202609, valid: true},
		{name: "december", raw: 202512, valid: true},
		{name: "month zero", raw: 202600, valid: false},
		{name: "month thirteen", raw: 202613, valid: false},
		{name: "no year", raw: 12, valid: false},
	}
	for _, testCase := range cases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewMonthEpoch(testCase.raw)
			if testCase.valid && err != nil {
				t.Fatalf("expected valid epoch, got %v", err)
			}
			if !testCase.valid && !errors.Is(err, ErrInvalidMonthEpoch) {
				t.Fatalf("expected ErrInvalidMonthEpoch, got %v", err)
			}
		})
	}
}

func TestEpochForTimeUsesUTC(t *testing.T) {
	t.Parallel()
	// 23:30 on Aug 31 in UTC-5 is already September in UTC.
	zone := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2026, time.August, 31, 23, 30, 0, 0, zone)
	if got := EpochForTime(local); got != 202609 {
		t.Fatalf("expected 202609, got %d", got)
	}
	if got := EpochForTime(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)); got != 202601 {
		t.Fatalf("expected 202601, got %d", got)
	}
}

func TestMonthEpochBeforeIsStrict(t *testing.T) {
	t.Parallel()
	if !MonthEpoch(202512).Before(202601) {
		t.Fatalf("year rollover not ordered")
	}
	if MonthEpoch(202609).Before(202609) {
		t.Fatalf("equal epochs must not order before")
	}
	if MonthEpoch(202610).Before(202609) {
		t.Fatalf("later epoch ordered before earlier")
	}
}

func TestParseOrderStatus(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"pending", "completed", "failed"} {
		if _, err := ParseOrderStatus(raw); err != nil {
			t.Fatalf("expected %q to parse, got %v", raw, err)
		}
	}
	if _, err := ParseOrderStatus("refunded"); !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	normalized, err := NewMetadataJSON("")
	if err != nil || normalized != "{}" {
		t.Fatalf("expected empty metadata to normalize to {}, got %q err %v", normalized, err)
	}
	if _, err := NewMetadataJSON("{broken"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestOperationErrorExposesSegments(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	wrapped := WrapError("debit", "ledger", "update", base)
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		t.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "debit" || operationError.Subject() != "ledger" || operationError.Code() != "update" {
		t.Fatalf("unexpected segments: %v", operationError)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("wrapped error lost its cause")
	}
	if WrapError("debit", "ledger", "update", nil) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}
