package bankxledger

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SeedFile is a fixture of accounts and postings. Accounts are referred to by
// Ref so postings can name them before their ids are known.
type SeedFile struct {
	Accounts     []SeedAccount `yaml:"accounts"`
	Transactions []SeedTxn     `yaml:"transactions"`
}

type SeedAccount struct {
	Ref            string      `yaml:"ref"`
	UserID         string      `yaml:"userId"`
	Name           string      `yaml:"name"`
	Type           AccountType `yaml:"accountType"`
	Number         string      `yaml:"accountNumber"`
	InitialDeposit string      `yaml:"initialDeposit"`
}

type SeedTxn struct {
	Source      string  `yaml:"source"`
	Destination string  `yaml:"destination"`
	Type        TxnType `yaml:"type"`
	Amount      string  `yaml:"amount"`
	Description string  `yaml:"description"`
	Key         string  `yaml:"idempotencyKey"`
}

func LoadSeedFile(path string) (*SeedFile, error) {
	bits, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var sf SeedFile
	if err = yaml.Unmarshal(bits, &sf); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &sf, nil
}

// LocalHelper prepares a ledger for local development and tests.
type LocalHelper struct {
	ConnStr string
	Svc     Service
	Log     *zerolog.Logger
}

func NewLocalHelper(connStr string, svc Service, log *zerolog.Logger) *LocalHelper {
	return &LocalHelper{
		ConnStr: connStr,
		Svc:     svc,
		Log:     log,
	}
}

// ResetDB drops every table and migrates the schema back up.
func (lh *LocalHelper) ResetDB() error {
	if err := MigrateDown(lh.ConnStr); err != nil {
		return err
	}
	return Migrate(lh.ConnStr, lh.Log)
}

// Seed creates the accounts of sf and then posts its transactions in order.
// It returns the created accounts keyed by ref.
func (lh *LocalHelper) Seed(ctx context.Context, sf *SeedFile) (map[string]*Account, error) {
	accts := make(map[string]*Account, len(sf.Accounts))
	for _, a := range sf.Accounts {
		initial := decimal.Zero
		if a.InitialDeposit != "" {
			d, err := decimal.NewFromString(a.InitialDeposit)
			if err != nil {
				return nil, fmt.Errorf("account %s: initial deposit: %w", a.Ref, err)
			}
			initial = d
		}
		acct, err := lh.Svc.CreateAccount(ctx, CreateAccountReq{
			UserID:         a.UserID,
			Name:           a.Name,
			Type:           a.Type,
			Number:         a.Number,
			InitialDeposit: initial,
		})
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Ref, err)
		}
		accts[a.Ref] = acct
		lh.Log.Info().
			Str("ref", a.Ref).
			Str("acctID", acct.ID.String()).
			Str("number", acct.Number).
			Msg("seeded account")
	}

	for i, t := range sf.Transactions {
		src, ok := accts[t.Source]
		if !ok {
			return nil, fmt.Errorf("transaction %d: unknown source %q", i, t.Source)
		}
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: amount: %w", i, err)
		}
		req := PostReq{
			AcctID:         src.ID,
			Type:           t.Type,
			Amount:         amount,
			Description:    t.Description,
			IdempotencyKey: t.Key,
		}
		if t.Destination != "" {
			dst, ok := accts[t.Destination]
			if !ok {
				return nil, fmt.Errorf("transaction %d: unknown destination %q", i, t.Destination)
			}
			req.DestAcctID = &dst.ID
		}
		if _, err = lh.Svc.Post(ctx, req); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	lh.Log.Info().
		Int("accounts", len(sf.Accounts)).
		Int("transactions", len(sf.Transactions)).
		Msg("seed applied")
	return accts, nil
}
