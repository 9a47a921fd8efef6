package bankxledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	pgInsertAcctSQL = `
		INSERT INTO accounts (id, user_id, account_number, account_type, name, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`

	pgSelectAcctSQL = `
		SELECT id, user_id, account_number, account_type, name, balance, created_at
		FROM accounts
		WHERE id = $1;
	`

	pgSelectAcctsByUserSQL = `
		SELECT id, user_id, account_number, account_type, name, balance, created_at
		FROM accounts
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC;
	`

	pgSelectAcctsWithStatsSQL = `
		SELECT a.id, a.user_id, a.account_number, a.account_type, a.name, a.balance, a.created_at,
			count(t.id), max(t.created_at)
		FROM accounts a
		LEFT JOIN transactions t ON t.account_id = a.id
		WHERE a.user_id = $1
		GROUP BY a.id
		ORDER BY a.created_at DESC, a.id DESC;
	`

	pgUpdateAcctDetailsSQL = `
		UPDATE accounts
		SET name = COALESCE(NULLIF($2::text, ''), name),
			account_type = COALESCE(NULLIF($3::text, '')::account_type, account_type)
		WHERE id = $1
		RETURNING id, user_id, account_number, account_type, name, balance, created_at;
	`

	pgDeleteAcctSQL = `
		DELETE FROM accounts
		WHERE id = $1;
	`

	pgSelectForUpdateAcctsSQL = `
		SELECT id, user_id, account_number, account_type, name, balance, created_at
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE;
	`

	pgUpdateAcctSQL = `
		UPDATE accounts
		SET balance = $1
		WHERE id = $2;
	`

	pgInsertTxnSQL = `
		INSERT INTO transactions
			(id, account_id, type, amount, destination_account_id, description, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`

	pgTxnColumns = `
		t.id, t.account_id, t.type, t.amount, t.destination_account_id, t.description, t.status,
		t.idempotency_key, t.created_at
	`

	pgSelectTxnSQL = `SELECT` + pgTxnColumns + `
		FROM transactions t
		WHERE t.id = $1;
	`

	pgSelectTxnByKeySQL = `SELECT` + pgTxnColumns + `
		FROM transactions t
		WHERE t.idempotency_key = $1;
	`

	pgSelectTxnsByAcctSQL = `SELECT` + pgTxnColumns + `
		FROM transactions t
		WHERE t.account_id = $1 OR t.destination_account_id = $1
		ORDER BY t.created_at DESC, t.id DESC;
	`

	pgSelectTxnsSQL = `SELECT` + pgTxnColumns + `
		FROM transactions t
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $1;
	`

	pgSelectTxnDetailsSQL = `SELECT` + pgTxnColumns + `,
			src.name, src.account_number, dst.name, dst.account_number
		FROM transactions t
		LEFT JOIN accounts src ON src.id = t.account_id
		LEFT JOIN accounts dst ON dst.id = t.destination_account_id
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $1;
	`

	pgCountAcctsSQL = `
		SELECT count(*)
		FROM accounts a
		WHERE ($1::text = '' OR a.user_id = $1)
			AND ($2::timestamptz IS NULL OR a.created_at >= $2)
			AND ($3::timestamptz IS NULL OR a.created_at < $3);
	`

	pgCountTxnsSQL = `
		SELECT
			count(*) FILTER (WHERE t.type = 'deposit'),
			count(*) FILTER (WHERE t.type = 'withdrawal'),
			COALESCE(sum(t.amount) FILTER (WHERE t.type = 'deposit'), 0),
			COALESCE(sum(t.amount) FILTER (WHERE t.type = 'withdrawal'), 0)
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE ($1::text = '' OR a.user_id = $1)
			AND ($2::timestamptz IS NULL OR t.created_at >= $2)
			AND ($3::timestamptz IS NULL OR t.created_at < $3);
	`

	pgCountUsersSQL = `
		SELECT count(*)
		FROM (
			SELECT min(created_at) AS first_created
			FROM accounts
			GROUP BY user_id
		) u
		WHERE ($1::timestamptz IS NULL OR u.first_created >= $1)
			AND ($2::timestamptz IS NULL OR u.first_created < $2);
	`
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	pgAcctNumberConstraint = "accounts_account_number_key"
	pgIdemKeyConstraint    = "transactions_idempotency_key_key"
)

// PostgresEndpoint is the Postgres ledger store. Atomic units run at READ
// COMMITTED and lock the account rows they touch with SELECT ... FOR UPDATE,
// so concurrent postings against one account serialize on its row.
type PostgresEndpoint struct {
	pool      *pgxpool.Pool
	log       *zerolog.Logger
	opTimeout time.Duration
}

var (
	_ Repository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(ctx context.Context, cfg *Config, log *zerolog.Logger) (*PostgresEndpoint, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Database.ConnectionString)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	endpt := &PostgresEndpoint{
		pool:      pool,
		log:       log,
		opTimeout: cfg.Database.OpTimeout,
	}
	return endpt, err
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

func (pg *PostgresEndpoint) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if pg.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, pg.opTimeout)
}

func (pg *PostgresEndpoint) WithTransaction(ctx context.Context, fn func(context.Context, LedgerTx) error) (err error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	conn, err := pg.pool.Acquire(ctx)
	if err != nil {
		return classifyPgErr(err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgErr(err)
	}
	defer func() {
		if err == nil {
			return
		}
		// ctx may already be done; rollback needs its own deadline
		rbctx, rbcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rbcancel()
		if rberr := tx.Rollback(rbctx); rberr != nil && !errors.Is(rberr, pgx.ErrTxClosed) {
			pg.log.Err(rberr).Msg("transaction rollback fail")
		}
	}()

	if err = fn(ctx, &pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return classifyPgErr(err)
	}
	return nil
}

type pgLedgerTx struct {
	tx pgx.Tx
}

var (
	_ LedgerTx = (*pgLedgerTx)(nil)
)

func (t *pgLedgerTx) LockAccounts(ctx context.Context, ids ...snowflake.ID) (map[snowflake.ID]*Account, error) {
	raw := make([]int64, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.Int64())
	}
	rows, err := t.tx.Query(ctx, pgSelectForUpdateAcctsSQL, raw)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	out := make(map[snowflake.ID]*Account, len(ids))
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		out[acct.ID] = acct
	}
	if err = rows.Err(); err != nil {
		return nil, classifyPgErr(err)
	}
	return out, nil
}

func (t *pgLedgerTx) TransactionByKey(ctx context.Context, key string) (*Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx, pgSelectTxnByKeySQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return txn, nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	var (
		dst  *int64
		desc *string
		key  *string
	)
	if txn.DestAcctID != nil {
		d := txn.DestAcctID.Int64()
		dst = &d
	}
	if txn.Description != "" {
		desc = &txn.Description
	}
	if txn.IdempotencyKey != "" {
		key = &txn.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, pgInsertTxnSQL,
		txn.ID.Int64(), txn.AcctID.Int64(), string(txn.Type), txn.Amount, dst, desc,
		string(txn.Status), key, txn.CreatedAt)
	return classifyPgErr(err)
}

func (t *pgLedgerTx) UpdateBalance(ctx context.Context, id snowflake.ID, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, pgUpdateAcctSQL, balance, id.Int64())
	if err != nil {
		return classifyPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errAccountNotFound(id)
	}
	return nil
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, acct *Account) error {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	_, err := pg.pool.Exec(ctx, pgInsertAcctSQL,
		acct.ID.Int64(), acct.UserID, acct.Number, string(acct.Type), acct.Name, acct.Balance, acct.CreatedAt)
	return classifyPgErr(err)
}

func (pg *PostgresEndpoint) GetAccount(ctx context.Context, id snowflake.ID) (*Account, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	acct, err := scanAccount(pg.pool.QueryRow(ctx, pgSelectAcctSQL, id.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errAccountNotFound(id)
	}
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return acct, nil
}

func (pg *PostgresEndpoint) ListAccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	rows, err := pg.pool.Query(ctx, pgSelectAcctsByUserSQL, userID)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	accts := []Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		accts = append(accts, *acct)
	}
	return accts, classifyPgErr(rows.Err())
}

func (pg *PostgresEndpoint) ListAccountsWithStats(ctx context.Context, userID string) ([]AccountWithStats, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	rows, err := pg.pool.Query(ctx, pgSelectAcctsWithStatsSQL, userID)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	accts := []AccountWithStats{}
	for rows.Next() {
		var (
			aws   AccountWithStats
			id    int64
			typ   string
			count int64
			last  *time.Time
		)
		err = rows.Scan(&id, &aws.UserID, &aws.Number, &typ, &aws.Name, &aws.Balance, &aws.CreatedAt,
			&count, &last)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		aws.ID = snowflake.ParseInt64(id)
		aws.Type = AccountType(typ)
		aws.TxnCount = count
		aws.LastTxn = last
		accts = append(accts, aws)
	}
	return accts, classifyPgErr(rows.Err())
}

func (pg *PostgresEndpoint) UpdateAccount(ctx context.Context, id snowflake.ID, name string, typ AccountType) (*Account, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	acct, err := scanAccount(pg.pool.QueryRow(ctx, pgUpdateAcctDetailsSQL, id.Int64(), name, string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errAccountNotFound(id)
	}
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return acct, nil
}

func (pg *PostgresEndpoint) DeleteAccount(ctx context.Context, id snowflake.ID) error {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	tag, err := pg.pool.Exec(ctx, pgDeleteAcctSQL, id.Int64())
	if err != nil {
		return classifyPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return errAccountNotFound(id)
	}
	return nil
}

func (pg *PostgresEndpoint) GetTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	txn, err := scanTransaction(pg.pool.QueryRow(ctx, pgSelectTxnSQL, id.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound{ID: id.Int64()}
	}
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return txn, nil
}

func (pg *PostgresEndpoint) ListTransactionsByAccount(ctx context.Context, id snowflake.ID) ([]Transaction, error) {
	return pg.listTransactions(ctx, pgSelectTxnsByAcctSQL, id.Int64())
}

func (pg *PostgresEndpoint) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	return pg.listTransactions(ctx, pgSelectTxnsSQL, sqlLimit(limit))
}

func (pg *PostgresEndpoint) listTransactions(ctx context.Context, sql string, args ...any) ([]Transaction, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	rows, err := pg.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	txns := []Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		txns = append(txns, *txn)
	}
	return txns, classifyPgErr(rows.Err())
}

func (pg *PostgresEndpoint) ListTransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	rows, err := pg.pool.Query(ctx, pgSelectTxnDetailsSQL, sqlLimit(limit))
	if err != nil {
		return nil, classifyPgErr(err)
	}
	defer rows.Close()

	out := []TransactionDetails{}
	for rows.Next() {
		var (
			td                               TransactionDetails
			srcName, srcNum, dstName, dstNum *string
		)
		txn, err := scanTransaction(rows, &srcName, &srcNum, &dstName, &dstNum)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		td.Transaction = *txn
		td.AcctName, td.AcctNumber = deref(srcName), deref(srcNum)
		td.DestAcctName, td.DestAcctNumber = deref(dstName), deref(dstNum)
		out = append(out, td)
	}
	return out, classifyPgErr(rows.Err())
}

func (pg *PostgresEndpoint) Counts(ctx context.Context, q StatsQuery) (*Counts, error) {
	ctx, cancel := pg.withTimeout(ctx)
	defer cancel()

	since, until := nullTime(q.Since), nullTime(q.Until)
	c := &Counts{}
	err := pg.pool.QueryRow(ctx, pgCountAcctsSQL, q.UserID, since, until).Scan(&c.Accounts)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	err = pg.pool.QueryRow(ctx, pgCountTxnsSQL, q.UserID, since, until).
		Scan(&c.Deposits, &c.Withdrawals, &c.DepositVolume, &c.WithdrawalVolume)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	if err = pg.pool.QueryRow(ctx, pgCountUsersSQL, since, until).Scan(&c.Users); err != nil {
		return nil, classifyPgErr(err)
	}
	return c, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		acct Account
		id   int64
		typ  string
	)
	err := row.Scan(&id, &acct.UserID, &acct.Number, &typ, &acct.Name, &acct.Balance, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	acct.ID = snowflake.ParseInt64(id)
	acct.Type = AccountType(typ)
	return &acct, nil
}

// scanTransaction scans the pgTxnColumns followed by any extra destinations.
func scanTransaction(row pgx.Row, extra ...any) (*Transaction, error) {
	var (
		txn     Transaction
		id, src int64
		dst     *int64
		typ, st string
		desc    *string
		key     *string
	)
	dest := append([]any{&id, &src, &typ, &txn.Amount, &dst, &desc, &st, &key, &txn.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	txn.ID = snowflake.ParseInt64(id)
	txn.AcctID = snowflake.ParseInt64(src)
	txn.Type = TxnType(typ)
	txn.Status = TxnStatus(st)
	if dst != nil {
		d := snowflake.ParseInt64(*dst)
		txn.DestAcctID = &d
	}
	txn.Description = deref(desc)
	txn.IdempotencyKey = deref(key)
	return &txn, nil
}

func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classifyPgErr turns driver errors into ledger errors. Constraint violations
// the ledger expects map to sentinel errors; connection, timeout and
// serialization failures are StoreUnavailable since a retry may succeed.
func classifyPgErr(err error) error {
	if err == nil {
		return nil
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == pgAcctNumberConstraint:
			return errDuplicateAcctNumber
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == pgIdemKeyConstraint:
			return errDuplicateKey
		case pgErr.Code == pgCheckViolation:
			return errInternal(fmt.Errorf("%w: %s", errNegativeBalance, pgErr.ConstraintName))
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57014":
			return errStoreUnavailable(err)
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return errStoreUnavailable(err)
		}
		return errInternal(err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	// anything below the SQL layer: dial, network, pool exhaustion, deadlines
	return errStoreUnavailable(err)
}
