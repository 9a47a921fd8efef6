package bankxledger

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

const (
	maxListLimit      = 1000
	maxDescriptionLen = 255

	acctTypeChoices = "must be one of savings, checking, business, fixed-deposit"
)

type Middleware func(Service) Service

// Chain wraps svc so that the first middleware is the outermost.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

//
// Validation middleware
//

var (
	_ Service = (*validationMiddleware)(nil)
)

// validationMiddleware rejects malformed requests and requests against
// accounts the acting user does not own. Posting preconditions are left to the
// Poster, which checks them under lock.
type validationMiddleware struct {
	next Service
	repo Repository
}

func NewValidationMiddleware(repo Repository) Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next: svc,
			repo: repo,
		}
	}
}

func (v *validationMiddleware) checkOwner(ctx context.Context, acctID snowflake.ID, userID string) error {
	if userID == "" {
		return nil
	}
	acct, err := v.repo.GetAccount(ctx, acctID)
	if err != nil {
		return err
	}
	if acct.UserID != userID {
		return &LedgerError{Kind: KindForbidden, AcctID: acctID}
	}
	return nil
}

func checkLimit(limit int) error {
	if limit < 0 || limit > maxListLimit {
		return ErrBadRequest{Fields: map[string]string{"limit": "must be between 0 and 1000"}}
	}
	return nil
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	fields := map[string]string{}
	if req.UserID == "" {
		fields["userId"] = "required"
	}
	if req.Name == "" {
		fields["name"] = "required"
	}
	if !req.Type.Valid() {
		fields["accountType"] = acctTypeChoices
	}
	if req.InitialDeposit.IsNegative() {
		fields["initialDeposit"] = "must not be negative"
	} else if !req.InitialDeposit.Equal(req.InitialDeposit.Truncate(amountScale)) {
		fields["initialDeposit"] = "at most two decimal places"
	}
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) Post(ctx context.Context, req PostReq) (*Transaction, error) {
	if err := v.checkOwner(ctx, req.AcctID, req.UserID); err != nil {
		return nil, err
	}
	if len(req.Description) > maxDescriptionLen {
		return nil, ErrBadRequest{Fields: map[string]string{"description": "at most 255 characters"}}
	}
	return v.next.Post(ctx, req)
}

func (v *validationMiddleware) Balance(ctx context.Context, req BalanceReq) (*Account, error) {
	if err := v.checkOwner(ctx, req.AcctID, req.UserID); err != nil {
		return nil, err
	}
	return v.next.Balance(ctx, req)
}

func (v *validationMiddleware) Accounts(ctx context.Context, userID string) ([]AccountWithStats, error) {
	if userID == "" {
		return nil, ErrBadRequest{Fields: map[string]string{"userId": "required"}}
	}
	return v.next.Accounts(ctx, userID)
}

func (v *validationMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	fields := map[string]string{}
	if strings.TrimSpace(req.Name) == "" && req.Type == "" {
		fields["name"] = "name or accountType required"
	}
	if req.Type != "" && !req.Type.Valid() {
		fields["accountType"] = acctTypeChoices
	}
	if len(fields) > 0 {
		return nil, ErrBadRequest{Fields: fields}
	}
	if err := v.checkOwner(ctx, req.AcctID, req.UserID); err != nil {
		return nil, err
	}
	return v.next.UpdateAccount(ctx, req)
}

func (v *validationMiddleware) DeleteAccount(ctx context.Context, req DeleteAccountReq) error {
	if err := v.checkOwner(ctx, req.AcctID, req.UserID); err != nil {
		return err
	}
	return v.next.DeleteAccount(ctx, req)
}

// Transaction lets the owner of either side of a transfer read it.
func (v *validationMiddleware) Transaction(ctx context.Context, req TransactionReq) (*Transaction, error) {
	if req.UserID != "" {
		txn, err := v.repo.GetTransaction(ctx, req.TxnID)
		if err != nil {
			return nil, err
		}
		err = v.checkOwner(ctx, txn.AcctID, req.UserID)
		if KindOf(err) == KindForbidden && txn.DestAcctID != nil {
			err = v.checkOwner(ctx, *txn.DestAcctID, req.UserID)
		}
		if err != nil {
			return nil, err
		}
	}
	return v.next.Transaction(ctx, req)
}

func (v *validationMiddleware) Transactions(ctx context.Context, req TransactionsReq) ([]Transaction, error) {
	if err := checkLimit(req.Limit); err != nil {
		return nil, err
	}
	if req.AcctID != nil {
		if err := v.checkOwner(ctx, *req.AcctID, req.UserID); err != nil {
			return nil, err
		}
	}
	return v.next.Transactions(ctx, req)
}

func (v *validationMiddleware) TransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return v.next.TransactionDetails(ctx, limit)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if err := v.checkOwner(ctx, req.AcctID, req.UserID); err != nil {
		return err
	}
	return v.next.Statement(ctx, w, req)
}

func (v *validationMiddleware) DashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	return v.next.DashboardStats(ctx, userID)
}

//
// Rate limiting middlewares
//

var errOverloaded = errors.New("too many requests in flight")

// limitMiddleware limits the number of in-flight requests to the service by using
// a weighted semaphore, i.e., x/sync/semaphore.Semaphore with an acquisition timeout.
// As limits are static and servers may be deployed to a heterogeneous set of machines,
// hence, having to manually tune limits for each server, this solution is something
// likely implemented very differently in a real-world application, but it is a good
// example of load shedding.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	Write     *semaphore.Weighted
	Read      *semaphore.Weighted
	Statement *semaphore.Weighted
	Timeout   time.Duration
}

func NewServiceLimits(cfg *Config) *ServiceLimits {
	return &ServiceLimits{
		Write:     semaphore.NewWeighted(cfg.Limits.Post),
		Read:      semaphore.NewWeighted(cfg.Limits.Read),
		Statement: semaphore.NewWeighted(max(cfg.Limits.Read/8, 1)),
		Timeout:   cfg.Limits.AcquireTimeout,
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if l.limits.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, l.limits.Timeout)
	}
	defer cancel()
	if err := sem.Acquire(actx, 1); err != nil {
		return nil, errStoreUnavailable(errOverloaded)
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Write)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) Post(ctx context.Context, req PostReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Write)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Post(ctx, req)
}

func (l *limitMiddleware) Balance(ctx context.Context, req BalanceReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Balance(ctx, req)
}

func (l *limitMiddleware) Accounts(ctx context.Context, userID string) ([]AccountWithStats, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Accounts(ctx, userID)
}

func (l *limitMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Write)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.UpdateAccount(ctx, req)
}

func (l *limitMiddleware) DeleteAccount(ctx context.Context, req DeleteAccountReq) error {
	release, err := l.acquire(ctx, l.limits.Write)
	if err != nil {
		return err
	}
	defer release()
	return l.next.DeleteAccount(ctx, req)
}

func (l *limitMiddleware) Transaction(ctx context.Context, req TransactionReq) (*Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Transaction(ctx, req)
}

func (l *limitMiddleware) Transactions(ctx context.Context, req TransactionsReq) ([]Transaction, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Transactions(ctx, req)
}

func (l *limitMiddleware) TransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.TransactionDetails(ctx, limit)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	release, err := l.acquire(ctx, l.limits.Statement)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, req)
}

func (l *limitMiddleware) DashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	release, err := l.acquire(ctx, l.limits.Read)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.DashboardStats(ctx, userID)
}

type ServiceBreaker struct {
	Write *gobreaker.TwoStepCircuitBreaker[any]
	Read  *gobreaker.TwoStepCircuitBreaker[any]
}

// NewServiceBreaker trips a breaker after a run of consecutive infrastructure
// failures. Write and read paths trip independently.
func NewServiceBreaker(cfg *Config, log *zerolog.Logger) *ServiceBreaker {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		Write: gobreaker.NewTwoStepCircuitBreaker[any](settings("write")),
		Read:  gobreaker.NewTwoStepCircuitBreaker[any](settings("read")),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker pattern.
// It works in conjunction with limitMiddleware to limit the number of in-flight
// requests to the service when the circuit is not in `closed` state, i.e., the service
// is experiencing heavy load and is struggling to release tokens from the limit
// semaphores within request deadline. Only StoreUnavailable and Internal
// failures count against the circuit; rejected postings are successes.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func infraFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindStoreUnavailable, KindInternal:
		var nf ErrNotFound
		return !errors.As(err, &nf)
	}
	return false
}

func guard(b *gobreaker.TwoStepCircuitBreaker[any], call func() error) error {
	done, err := b.Allow()
	if err != nil {
		return errStoreUnavailable(err)
	}
	err = call()
	done(!infraFailure(err))
	return err
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	err = guard(c.brkrs.Write, func() error {
		acct, err = c.next.CreateAccount(ctx, req)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) Post(ctx context.Context, req PostReq) (txn *Transaction, err error) {
	err = guard(c.brkrs.Write, func() error {
		txn, err = c.next.Post(ctx, req)
		return err
	})
	return txn, err
}

func (c *circuitBreakMiddleware) Balance(ctx context.Context, req BalanceReq) (acct *Account, err error) {
	err = guard(c.brkrs.Read, func() error {
		acct, err = c.next.Balance(ctx, req)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) Accounts(ctx context.Context, userID string) (accts []AccountWithStats, err error) {
	err = guard(c.brkrs.Read, func() error {
		accts, err = c.next.Accounts(ctx, userID)
		return err
	})
	return accts, err
}

func (c *circuitBreakMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (acct *Account, err error) {
	err = guard(c.brkrs.Write, func() error {
		acct, err = c.next.UpdateAccount(ctx, req)
		return err
	})
	return acct, err
}

func (c *circuitBreakMiddleware) DeleteAccount(ctx context.Context, req DeleteAccountReq) error {
	return guard(c.brkrs.Write, func() error {
		return c.next.DeleteAccount(ctx, req)
	})
}

func (c *circuitBreakMiddleware) Transaction(ctx context.Context, req TransactionReq) (txn *Transaction, err error) {
	err = guard(c.brkrs.Read, func() error {
		txn, err = c.next.Transaction(ctx, req)
		return err
	})
	return txn, err
}

func (c *circuitBreakMiddleware) Transactions(ctx context.Context, req TransactionsReq) (txns []Transaction, err error) {
	err = guard(c.brkrs.Read, func() error {
		txns, err = c.next.Transactions(ctx, req)
		return err
	})
	return txns, err
}

func (c *circuitBreakMiddleware) TransactionDetails(ctx context.Context, limit int) (txns []TransactionDetails, err error) {
	err = guard(c.brkrs.Read, func() error {
		txns, err = c.next.TransactionDetails(ctx, limit)
		return err
	})
	return txns, err
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	return guard(c.brkrs.Read, func() error {
		return c.next.Statement(ctx, w, req)
	})
}

func (c *circuitBreakMiddleware) DashboardStats(ctx context.Context, userID string) (stats *DashboardStats, err error) {
	err = guard(c.brkrs.Read, func() error {
		stats, err = c.next.DashboardStats(ctx, userID)
		return err
	})
	return stats, err
}

//
// Logging middleware
//

type loggingMiddleware struct {
	next Service
	log  *zerolog.Logger
}

var (
	_ Service = (*loggingMiddleware)(nil)
)

func NewLoggingMiddleware(log *zerolog.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next: next,
			log:  log,
		}
	}
}

func (l *loggingMiddleware) done(method string, begin time.Time, err error) {
	if err == nil {
		l.log.Debug().
			Str("method", method).
			Dur("took", time.Since(begin)).
			Msg("ok")
		return
	}
	ev := l.log.Info()
	if infraFailure(err) {
		ev = l.log.Error()
	}
	ev.Err(err).
		Str("method", method).
		Str("kind", KindOf(err).String()).
		Dur("took", time.Since(begin)).
		Msg("request failed")
}

func (l *loggingMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.done("create_account", begin, err) }(time.Now())
	return l.next.CreateAccount(ctx, req)
}

func (l *loggingMiddleware) Post(ctx context.Context, req PostReq) (txn *Transaction, err error) {
	defer func(begin time.Time) {
		l.done("post", begin, err)
		if err == nil {
			l.log.Info().
				Str("txnID", txn.ID.String()).
				Str("acctID", req.AcctID.String()).
				Str("type", string(txn.Type)).
				Str("amount", txn.Amount.StringFixed(2)).
				Msg("transaction posted")
		}
	}(time.Now())
	return l.next.Post(ctx, req)
}

func (l *loggingMiddleware) Balance(ctx context.Context, req BalanceReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.done("balance", begin, err) }(time.Now())
	return l.next.Balance(ctx, req)
}

func (l *loggingMiddleware) Accounts(ctx context.Context, userID string) (accts []AccountWithStats, err error) {
	defer func(begin time.Time) { l.done("accounts", begin, err) }(time.Now())
	return l.next.Accounts(ctx, userID)
}

func (l *loggingMiddleware) UpdateAccount(ctx context.Context, req UpdateAccountReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.done("update_account", begin, err) }(time.Now())
	return l.next.UpdateAccount(ctx, req)
}

func (l *loggingMiddleware) DeleteAccount(ctx context.Context, req DeleteAccountReq) (err error) {
	defer func(begin time.Time) { l.done("delete_account", begin, err) }(time.Now())
	return l.next.DeleteAccount(ctx, req)
}

func (l *loggingMiddleware) Transaction(ctx context.Context, req TransactionReq) (txn *Transaction, err error) {
	defer func(begin time.Time) { l.done("transaction", begin, err) }(time.Now())
	return l.next.Transaction(ctx, req)
}

func (l *loggingMiddleware) Transactions(ctx context.Context, req TransactionsReq) (txns []Transaction, err error) {
	defer func(begin time.Time) { l.done("transactions", begin, err) }(time.Now())
	return l.next.Transactions(ctx, req)
}

func (l *loggingMiddleware) TransactionDetails(ctx context.Context, limit int) (txns []TransactionDetails, err error) {
	defer func(begin time.Time) { l.done("transaction_details", begin, err) }(time.Now())
	return l.next.TransactionDetails(ctx, limit)
}

func (l *loggingMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) (err error) {
	defer func(begin time.Time) { l.done("statement", begin, err) }(time.Now())
	return l.next.Statement(ctx, w, req)
}

func (l *loggingMiddleware) DashboardStats(ctx context.Context, userID string) (stats *DashboardStats, err error) {
	defer func(begin time.Time) { l.done("dashboard_stats", begin, err) }(time.Now())
	return l.next.DashboardStats(ctx, userID)
}
