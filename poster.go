package bankxledger

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
)

// Poster records transactions and applies their balance deltas. Every Post
// runs in a single atomic unit of the repository: the touched account rows are
// locked, the request is validated against them, the transaction row is
// inserted and balances are updated, or nothing is.
type Poster struct {
	repo Repository
	node *snowflake.Node
	now  func() time.Time
	log  *zerolog.Logger
}

func NewPoster(repo Repository, node *snowflake.Node, now func() time.Time, log *zerolog.Logger) *Poster {
	if now == nil {
		now = time.Now
	}
	return &Poster{
		repo: repo,
		node: node,
		now:  now,
		log:  log,
	}
}

// Post validates and applies req. It is not idempotent unless
// req.IdempotencyKey is set, in which case a repeated key returns the
// transaction recorded the first time without touching any balance. Reusing
// a key for a different posting fails with KindKeyConflict.
func (p *Poster) Post(ctx context.Context, req PostReq) (*Transaction, error) {
	var posted *Transaction
	err := p.repo.WithTransaction(ctx, func(ctx context.Context, tx LedgerTx) error {
		if req.IdempotencyKey != "" {
			prev, err := tx.TransactionByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev != nil {
				if err = req.matches(prev); err != nil {
					return err
				}
				posted = prev
				return nil
			}
		}

		accts, err := tx.LockAccounts(ctx, req.accountIDs()...)
		if err != nil {
			return err
		}
		src := accts[req.AcctID]
		var dst *Account
		if req.DestAcctID != nil {
			dst = accts[*req.DestAcctID]
		}
		if err = Validate(req, src, dst); err != nil {
			return err
		}

		txn := &Transaction{
			ID:             p.node.Generate(),
			AcctID:         req.AcctID,
			Type:           req.Type,
			Amount:         req.Amount,
			DestAcctID:     req.DestAcctID,
			Description:    req.Description,
			Status:         TxnCompleted,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      p.now().UTC(),
		}
		if err = tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		if err = tx.UpdateBalance(ctx, src.ID, src.Balance.Add(txn.Delta(src.ID))); err != nil {
			return err
		}
		if dst != nil {
			if err = tx.UpdateBalance(ctx, dst.ID, dst.Balance.Add(txn.Delta(dst.ID))); err != nil {
				return err
			}
		}
		posted = txn
		return nil
	})
	if errors.Is(err, errDuplicateKey) && req.IdempotencyKey != "" {
		// a concurrent request with the same key committed first
		return p.lookupKey(ctx, req)
	}
	if err != nil {
		return nil, p.classify(err, req)
	}
	return posted, nil
}

func (p *Poster) lookupKey(ctx context.Context, req PostReq) (*Transaction, error) {
	var prev *Transaction
	err := p.repo.WithTransaction(ctx, func(ctx context.Context, tx LedgerTx) error {
		var err error
		prev, err = tx.TransactionByKey(ctx, req.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, p.classify(err, req)
	}
	if prev == nil {
		return nil, errInternal(errDuplicateKey)
	}
	if err = req.matches(prev); err != nil {
		return nil, err
	}
	return prev, nil
}

var errDuplicateKey = errors.New("idempotency key already used")

// classify makes sure every error leaving Post carries a kind.
func (p *Poster) classify(err error, req PostReq) error {
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errStoreUnavailable(err)
	}
	p.log.Err(err).
		Str("method", "post").
		Str("acctID", req.AcctID.String()).
		Msg("unclassified posting failure")
	return errInternal(err)
}
