package bankxledger

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInternalServer = errors.New("internal server error")
)

// ErrKind is the closed set of failure kinds a ledger operation can report.
type ErrKind int

const (
	KindInternal ErrKind = iota
	KindAccountNotFound
	KindInvalidAmount
	KindSelfTransfer
	KindInsufficientFunds
	KindStoreUnavailable
	KindInvalidRequest
	KindForbidden
	KindKeyConflict
)

func (k ErrKind) String() string {
	switch k {
	case KindAccountNotFound:
		return "account_not_found"
	case KindInvalidAmount:
		return "invalid_amount"
	case KindSelfTransfer:
		return "self_transfer"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindInvalidRequest:
		return "invalid_request"
	case KindForbidden:
		return "forbidden"
	case KindKeyConflict:
		return "idempotency_key_conflict"
	default:
		return "internal"
	}
}

// LedgerError is returned by every core operation that fails. Balance and
// Amount are only set for KindInsufficientFunds.
type LedgerError struct {
	Kind    ErrKind
	AcctID  snowflake.ID
	Balance decimal.Decimal
	Amount  decimal.Decimal
	Err     error
}

func (e *LedgerError) Error() string {
	switch e.Kind {
	case KindAccountNotFound:
		return fmt.Sprintf("account %s not found", e.AcctID)
	case KindInvalidAmount:
		return "amount must be greater than zero with at most two decimal places"
	case KindSelfTransfer:
		return "cannot transfer to the same account"
	case KindInsufficientFunds:
		return fmt.Sprintf("insufficient funds in account %s: balance %s, requested %s",
			e.AcctID, e.Balance.StringFixed(2), e.Amount.StringFixed(2))
	case KindStoreUnavailable:
		if e.Err != nil {
			return "ledger store unavailable: " + e.Err.Error()
		}
		return "ledger store unavailable"
	case KindInvalidRequest:
		if e.Err != nil {
			return "invalid request: " + e.Err.Error()
		}
		return "invalid request"
	case KindForbidden:
		return fmt.Sprintf("account %s does not belong to the acting user", e.AcctID)
	case KindKeyConflict:
		return "idempotency key was already used for a different transaction"
	default:
		if e.Err != nil {
			return "internal error: " + e.Err.Error()
		}
		return "internal error"
	}
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Errors that are not ledger errors are
// KindInternal.
func KindOf(err error) ErrKind {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.As(err, &ErrBadRequest{}) {
		return KindInvalidRequest
	}
	return KindInternal
}

// Retryable reports whether the caller may safely retry the same request.
func Retryable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}

func errAccountNotFound(id snowflake.ID) error {
	return &LedgerError{Kind: KindAccountNotFound, AcctID: id}
}

func errInsufficientFunds(acct *Account, amount decimal.Decimal) error {
	return &LedgerError{
		Kind:    KindInsufficientFunds,
		AcctID:  acct.ID,
		Balance: acct.Balance,
		Amount:  amount,
	}
}

func errStoreUnavailable(err error) error {
	return &LedgerError{Kind: KindStoreUnavailable, Err: err}
}

func errInternal(err error) error {
	return &LedgerError{Kind: KindInternal, Err: err}
}

type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

// ErrNotFound is returned for records other than accounts, e.g. a transaction
// lookup by id.
type ErrNotFound struct {
	ID int64 `json:"id,string"`
}

func (e ErrNotFound) Error() string {
	return "record not found"
}
