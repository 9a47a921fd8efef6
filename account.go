package bankxledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AcctSavings      AccountType = "savings"
	AcctChecking     AccountType = "checking"
	AcctBusiness     AccountType = "business"
	AcctFixedDeposit AccountType = "fixed-deposit"
)

var acctTypeLabels = map[AccountType]string{
	AcctSavings:      "Savings Account",
	AcctChecking:     "Checking Account",
	AcctBusiness:     "Business Account",
	AcctFixedDeposit: "Fixed Deposit",
}

func (t AccountType) Valid() bool {
	_, ok := acctTypeLabels[t]
	return ok
}

// Label is the human readable name used on statements.
func (t AccountType) Label() string {
	if l, ok := acctTypeLabels[t]; ok {
		return l
	}
	return string(t)
}

type TxnType string

const (
	TxnDeposit    TxnType = "deposit"
	TxnWithdrawal TxnType = "withdrawal"
	TxnTransfer   TxnType = "transfer"
)

func (t TxnType) Valid() bool {
	switch t {
	case TxnDeposit, TxnWithdrawal, TxnTransfer:
		return true
	}
	return false
}

// Debits reports whether the type takes money out of the source account.
func (t TxnType) Debits() bool {
	return t == TxnWithdrawal || t == TxnTransfer
}

type TxnStatus string

const (
	TxnCompleted TxnStatus = "completed"
	TxnPending   TxnStatus = "pending"
	TxnFailed    TxnStatus = "failed"
)

type Account struct {
	ID        snowflake.ID
	UserID    string
	Number    string
	Name      string
	Type      AccountType
	Balance   decimal.Decimal
	CreatedAt time.Time
}

type accountJSON struct {
	ID        snowflake.ID `json:"id"`
	UserID    string       `json:"userId"`
	Number    string       `json:"accountNumber"`
	Name      string       `json:"name"`
	Type      AccountType  `json:"accountType"`
	Balance   string       `json:"balance"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(accountJSON{
		ID:        a.ID,
		UserID:    a.UserID,
		Number:    a.Number,
		Name:      a.Name,
		Type:      a.Type,
		Balance:   a.Balance.StringFixed(2),
		CreatedAt: a.CreatedAt,
	})
}

// AccountWithStats is an account plus a summary of the transactions it sourced.
type AccountWithStats struct {
	Account
	TxnCount int64
	LastTxn  *time.Time
}

func (a AccountWithStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		accountJSON
		TxnCount int64      `json:"transactionCount"`
		LastTxn  *time.Time `json:"lastTransaction,omitempty"`
	}{
		accountJSON: accountJSON{
			ID:        a.ID,
			UserID:    a.UserID,
			Number:    a.Number,
			Name:      a.Name,
			Type:      a.Type,
			Balance:   a.Balance.StringFixed(2),
			CreatedAt: a.CreatedAt,
		},
		TxnCount: a.TxnCount,
		LastTxn:  a.LastTxn,
	})
}

type Transaction struct {
	ID             snowflake.ID
	AcctID         snowflake.ID
	Type           TxnType
	Amount         decimal.Decimal
	DestAcctID     *snowflake.ID
	Description    string
	Status         TxnStatus
	IdempotencyKey string
	CreatedAt      time.Time
}

type transactionJSON struct {
	ID             snowflake.ID  `json:"id"`
	AcctID         snowflake.ID  `json:"accountId"`
	Type           TxnType       `json:"type"`
	Amount         string        `json:"amount"`
	DestAcctID     *snowflake.ID `json:"destinationAccountId,omitempty"`
	Description    string        `json:"description,omitempty"`
	Status         TxnStatus     `json:"status"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (t Transaction) toJSON() transactionJSON {
	return transactionJSON{
		ID:             t.ID,
		AcctID:         t.AcctID,
		Type:           t.Type,
		Amount:         t.Amount.StringFixed(2),
		DestAcctID:     t.DestAcctID,
		Description:    t.Description,
		Status:         t.Status,
		IdempotencyKey: t.IdempotencyKey,
		CreatedAt:      t.CreatedAt,
	}
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toJSON())
}

// TransactionDetails carries the names and numbers of the accounts a
// transaction touched, as shown on the recent transactions table.
type TransactionDetails struct {
	Transaction
	AcctName       string
	AcctNumber     string
	DestAcctName   string
	DestAcctNumber string
}

func (t TransactionDetails) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		transactionJSON
		AcctName       string `json:"accountName,omitempty"`
		AcctNumber     string `json:"accountNumber,omitempty"`
		DestAcctName   string `json:"destinationAccountName,omitempty"`
		DestAcctNumber string `json:"destinationAccountNumber,omitempty"`
	}{
		transactionJSON: t.Transaction.toJSON(),
		AcctName:        t.AcctName,
		AcctNumber:      t.AcctNumber,
		DestAcctName:    t.DestAcctName,
		DestAcctNumber:  t.DestAcctNumber,
	})
}

// Delta is the signed change t applies to the balance of acct. It is zero when
// acct is neither the source nor the destination of t.
func (t Transaction) Delta(acct snowflake.ID) decimal.Decimal {
	switch {
	case t.AcctID == acct && t.Type == TxnDeposit:
		return t.Amount
	case t.AcctID == acct && t.Type.Debits():
		return t.Amount.Neg()
	case t.Type == TxnTransfer && t.DestAcctID != nil && *t.DestAcctID == acct:
		return t.Amount
	}
	return decimal.Zero
}

func formatAcctNumber(hi, lo int) string {
	return fmt.Sprintf("%04d-%04d", hi, lo)
}
