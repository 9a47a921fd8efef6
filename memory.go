package bankxledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

var errNegativeBalance = errors.New("balance check violated")

// MemoryStore is a Repository kept in process memory. It has no row locks of
// its own, so each account gets a weight-one semaphore that a unit holds from
// LockAccounts until commit or rollback. Staged writes become visible only on
// commit.
type MemoryStore struct {
	mu        sync.RWMutex
	accts     map[snowflake.ID]*Account
	txns      []*Transaction
	byKey     map[string]*Transaction
	locks     acctLocks
	opTimeout time.Duration
}

var (
	_ Repository = (*MemoryStore)(nil)
)

func NewMemoryStore(opTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accts:     make(map[snowflake.ID]*Account),
		byKey:     make(map[string]*Transaction),
		locks:     acctLocks{sems: make(map[snowflake.ID]*semaphore.Weighted)},
		opTimeout: opTimeout,
	}
}

type acctLocks struct {
	mu   sync.Mutex
	sems map[snowflake.ID]*semaphore.Weighted
}

func (l *acctLocks) get(id snowflake.ID) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[id] = sem
	}
	return sem
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accts[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	for _, a := range m.accts {
		if a.Number == acct.Number {
			return errDuplicateAcctNumber
		}
	}
	cp := *acct
	m.accts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, errAccountNotFound(id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userAccounts(userID), nil
}

func (m *MemoryStore) userAccounts(userID string) []Account {
	out := []Account{}
	for _, a := range m.accts {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	slices.SortStableFunc(out, func(a, b Account) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (m *MemoryStore) ListAccountsWithStats(ctx context.Context, userID string) ([]AccountWithStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accts := m.userAccounts(userID)
	out := make([]AccountWithStats, 0, len(accts))
	for _, a := range accts {
		aws := AccountWithStats{Account: a}
		for _, t := range m.txns {
			if t.AcctID != a.ID {
				continue
			}
			aws.TxnCount++
			if aws.LastTxn == nil || t.CreatedAt.After(*aws.LastTxn) {
				ts := t.CreatedAt
				aws.LastTxn = &ts
			}
		}
		out = append(out, aws)
	}
	return out, nil
}

func (m *MemoryStore) UpdateAccount(ctx context.Context, id snowflake.ID, name string, typ AccountType) (*Account, error) {
	sem := m.locks.get(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errStoreUnavailable(err)
	}
	defer sem.Release(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accts[id]
	if !ok {
		return nil, errAccountNotFound(id)
	}
	if name != "" {
		a.Name = name
	}
	if typ != "" {
		a.Type = typ
	}
	cp := *a
	return &cp, nil
}

// DeleteAccount removes the account and the transactions it sourced, and
// clears it as the destination of any transfer, mirroring the foreign keys of
// the Postgres schema.
func (m *MemoryStore) DeleteAccount(ctx context.Context, id snowflake.ID) error {
	sem := m.locks.get(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return errStoreUnavailable(err)
	}
	defer sem.Release(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accts[id]; !ok {
		return errAccountNotFound(id)
	}
	delete(m.accts, id)
	kept := m.txns[:0]
	for _, t := range m.txns {
		if t.AcctID == id {
			if t.IdempotencyKey != "" {
				delete(m.byKey, t.IdempotencyKey)
			}
			continue
		}
		if t.DestAcctID != nil && *t.DestAcctID == id {
			t.DestAcctID = nil
		}
		kept = append(kept, t)
	}
	m.txns = kept
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txns {
		if t.ID == id {
			return copyTxn(t), nil
		}
	}
	return nil, ErrNotFound{ID: id.Int64()}
}

func (m *MemoryStore) ListTransactionsByAccount(ctx context.Context, id snowflake.ID) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectTxns(0, func(t *Transaction) bool {
		return t.AcctID == id || (t.DestAcctID != nil && *t.DestAcctID == id)
	}), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectTxns(limit, func(*Transaction) bool { return true }), nil
}

func (m *MemoryStore) ListTransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txns := m.selectTxns(limit, func(*Transaction) bool { return true })
	out := make([]TransactionDetails, 0, len(txns))
	for _, t := range txns {
		td := TransactionDetails{Transaction: t}
		if a, ok := m.accts[t.AcctID]; ok {
			td.AcctName, td.AcctNumber = a.Name, a.Number
		}
		if t.DestAcctID != nil {
			if a, ok := m.accts[*t.DestAcctID]; ok {
				td.DestAcctName, td.DestAcctNumber = a.Name, a.Number
			}
		}
		out = append(out, td)
	}
	return out, nil
}

// selectTxns returns copies of matching transactions, newest first. A limit of
// zero or less means no limit.
func (m *MemoryStore) selectTxns(limit int, match func(*Transaction) bool) []Transaction {
	out := []Transaction{}
	for i := len(m.txns) - 1; i >= 0; i-- {
		if match(m.txns[i]) {
			out = append(out, *copyTxn(m.txns[i]))
		}
	}
	slices.SortStableFunc(out, func(a, b Transaction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Counts(ctx context.Context, q StatsQuery) (*Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := &Counts{DepositVolume: decimal.Zero, WithdrawalVolume: decimal.Zero}
	scoped := map[snowflake.ID]bool{}
	firstAcct := map[string]time.Time{}
	for _, a := range m.accts {
		if first, ok := firstAcct[a.UserID]; !ok || a.CreatedAt.Before(first) {
			firstAcct[a.UserID] = a.CreatedAt
		}
		if q.UserID != "" && a.UserID != q.UserID {
			continue
		}
		scoped[a.ID] = true
		if q.contains(a.CreatedAt) {
			c.Accounts++
		}
	}
	for _, first := range firstAcct {
		if q.contains(first) {
			c.Users++
		}
	}
	for _, t := range m.txns {
		if q.UserID != "" && !scoped[t.AcctID] {
			continue
		}
		if !q.contains(t.CreatedAt) {
			continue
		}
		switch t.Type {
		case TxnDeposit:
			c.Deposits++
			c.DepositVolume = c.DepositVolume.Add(t.Amount)
		case TxnWithdrawal:
			c.Withdrawals++
			c.WithdrawalVolume = c.WithdrawalVolume.Add(t.Amount)
		}
	}
	return c, nil
}

func (m *MemoryStore) WithTransaction(ctx context.Context, fn func(context.Context, LedgerTx) error) error {
	if m.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opTimeout)
		defer cancel()
	}
	tx := &memTx{
		store:    m,
		held:     map[snowflake.ID]*semaphore.Weighted{},
		balances: map[snowflake.ID]decimal.Decimal{},
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errStoreUnavailable(err)
	}
	return tx.commit()
}

type memTx struct {
	store    *MemoryStore
	held     map[snowflake.ID]*semaphore.Weighted
	balances map[snowflake.ID]decimal.Decimal
	inserts  []*Transaction
}

var (
	_ LedgerTx = (*memTx)(nil)
)

func (tx *memTx) LockAccounts(ctx context.Context, ids ...snowflake.ID) (map[snowflake.ID]*Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, id := range sorted {
		if _, ok := tx.held[id]; ok {
			continue
		}
		sem := tx.store.locks.get(id)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errStoreUnavailable(err)
		}
		tx.held[id] = sem
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	out := make(map[snowflake.ID]*Account, len(sorted))
	for _, id := range sorted {
		a, ok := tx.store.accts[id]
		if !ok {
			continue
		}
		cp := *a
		if bal, ok := tx.balances[id]; ok {
			cp.Balance = bal
		}
		out[id] = &cp
	}
	return out, nil
}

func (tx *memTx) TransactionByKey(ctx context.Context, key string) (*Transaction, error) {
	for _, t := range tx.inserts {
		if t.IdempotencyKey == key {
			return copyTxn(t), nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	if t, ok := tx.store.byKey[key]; ok {
		return copyTxn(t), nil
	}
	return nil, nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.IdempotencyKey != "" {
		prev, _ := tx.TransactionByKey(ctx, txn.IdempotencyKey)
		if prev != nil {
			return errDuplicateKey
		}
	}
	tx.inserts = append(tx.inserts, copyTxn(txn))
	return nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, id snowflake.ID, balance decimal.Decimal) error {
	if _, ok := tx.held[id]; !ok {
		return fmt.Errorf("account %s updated without holding its lock", id)
	}
	if balance.IsNegative() {
		return errNegativeBalance
	}
	tx.balances[id] = balance
	return nil
}

func (tx *memTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tx.inserts {
		if t.IdempotencyKey == "" {
			continue
		}
		if _, ok := s.byKey[t.IdempotencyKey]; ok {
			return errDuplicateKey
		}
	}
	for id := range tx.balances {
		if _, ok := s.accts[id]; !ok {
			return errAccountNotFound(id)
		}
	}
	for id, bal := range tx.balances {
		s.accts[id].Balance = bal
	}
	for _, t := range tx.inserts {
		s.txns = append(s.txns, t)
		if t.IdempotencyKey != "" {
			s.byKey[t.IdempotencyKey] = t
		}
	}
	return nil
}

func (tx *memTx) release() {
	for id, sem := range tx.held {
		sem.Release(1)
		delete(tx.held, id)
	}
}

func copyTxn(t *Transaction) *Transaction {
	cp := *t
	if t.DestAcctID != nil {
		dst := *t.DestAcctID
		cp.DestAcctID = &dst
	}
	return &cp
}
