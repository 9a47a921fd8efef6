package bankxledger

import (
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const amountScale = 2

// PostReq asks for one posting. DestAcctID is required for transfers only.
type PostReq struct {
	AcctID         snowflake.ID    `json:"sourceAccountId"`
	Type           TxnType         `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	DestAcctID     *snowflake.ID   `json:"destinationAccountId,omitempty"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"-"`
	UserID         string          `json:"-"`
}

// accountIDs lists the accounts the request touches.
func (r PostReq) accountIDs() []snowflake.ID {
	if r.Type == TxnTransfer && r.DestAcctID != nil {
		return []snowflake.ID{r.AcctID, *r.DestAcctID}
	}
	return []snowflake.ID{r.AcctID}
}

// checkShape rejects requests whose type or destination makes no sense.
func (r PostReq) checkShape() error {
	fields := map[string]string{}
	if !r.Type.Valid() {
		fields["type"] = "must be one of deposit, withdrawal, transfer"
	}
	if r.Type == TxnTransfer && r.DestAcctID == nil {
		fields["destinationAccountId"] = "required for transfers"
	}
	if r.Type != TxnTransfer && r.DestAcctID != nil {
		fields["destinationAccountId"] = "only allowed for transfers"
	}
	if len(fields) > 0 {
		return &LedgerError{Kind: KindInvalidRequest, Err: ErrBadRequest{Fields: fields}}
	}
	return nil
}

// matches checks that prev, found under r's idempotency key, records the same
// posting r asks for.
func (r PostReq) matches(prev *Transaction) error {
	same := prev.AcctID == r.AcctID &&
		prev.Type == r.Type &&
		prev.Amount.Equal(r.Amount)
	switch {
	case prev.DestAcctID == nil || r.DestAcctID == nil:
		same = same && prev.DestAcctID == nil && r.DestAcctID == nil
	default:
		same = same && *prev.DestAcctID == *r.DestAcctID
	}
	if !same {
		return &LedgerError{Kind: KindKeyConflict, AcctID: r.AcctID}
	}
	return nil
}

// ValidAmount reports whether amount is positive and has at most two
// fractional digits.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Truncate(amountScale))
}

// Validate checks req against src and dst, which are nil when the account does
// not exist. The first failing check wins:
// source exists, amount is valid, type and destination fit together,
// destination exists, destination differs from source, source covers the
// amount.
func Validate(req PostReq, src, dst *Account) error {
	if src == nil {
		return errAccountNotFound(req.AcctID)
	}
	if !ValidAmount(req.Amount) {
		return &LedgerError{Kind: KindInvalidAmount, AcctID: req.AcctID}
	}
	if err := req.checkShape(); err != nil {
		return err
	}
	if req.Type == TxnTransfer {
		if dst == nil {
			return errAccountNotFound(*req.DestAcctID)
		}
		if dst.ID == src.ID {
			return &LedgerError{Kind: KindSelfTransfer, AcctID: src.ID}
		}
	}
	if req.Type.Debits() && src.Balance.LessThan(req.Amount) {
		return errInsufficientFunds(src, req.Amount)
	}
	return nil
}
