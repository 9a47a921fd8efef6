package bankxledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const (
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
	retryAfterSeconds    = "1"
)

type ctxKey int

const userIDKey ctxKey = iota

type balanceJSONResp struct {
	Balance string `json:"balance"`
}

// updateAccountBody catches attempts to change fields that are fixed once
// an account exists.
type updateAccountBody struct {
	UpdateAccountReq
	Owner   json.RawMessage `json:"userId"`
	Number  json.RawMessage `json:"accountNumber"`
	Balance json.RawMessage `json:"balance"`
}

type errorJSONResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPHandler(svc Service, log *zerolog.Logger) http.Handler {
	hndlr := &httpHandler{
		Svc: svc,
		Log: log,
	}
	mux := chi.NewMux()
	mux.Use(
		middleware.RequestID,
		middleware.Recoverer,
		hlog.NewHandler(*log),
		hlog.AccessHandler(accessLog),
		requireUser,
	)
	mux.NotFound(HTTPNotFound)

	mux.Route("/accounts", func(r chi.Router) {
		r.Post("/", hndlr.CreateAccount)
		r.Get("/", hndlr.Accounts)
		r.Route("/{acctID:[0-9]+}", func(rr chi.Router) {
			rr.Get("/", hndlr.Account)
			rr.Patch("/", hndlr.UpdateAccount)
			rr.Delete("/", hndlr.DeleteAccount)
			rr.Post("/deposit", hndlr.postAs(TxnDeposit))
			rr.Post("/withdraw", hndlr.postAs(TxnWithdrawal))
			rr.Post("/transfer", hndlr.postAs(TxnTransfer))
			rr.Get("/balance", hndlr.Balance)
			rr.Get("/statement", hndlr.Statement)
		})
	})
	mux.Route("/transactions", func(r chi.Router) {
		r.Post("/", hndlr.Post)
		r.Get("/", hndlr.Transactions)
		r.Get("/details", hndlr.TransactionDetails)
		r.Get("/{txnID:[0-9]+}", hndlr.Transaction)
	})
	mux.Get("/dashboard", hndlr.Dashboard)

	return mux
}

func accessLog(r *http.Request, status, size int, took time.Duration) {
	hlog.FromRequest(r).Info().
		Str("reqID", middleware.GetReqID(r.Context())).
		Str("http_method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("took", took).
		Msg("")
}

// requireUser rejects requests that do not name the acting user.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(errorJSONResp{
				Error:   "unauthorized",
				Message: "missing " + headerUserID + " header",
			})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actingUser(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

type httpHandler struct {
	Svc Service
	Log *zerolog.Logger
}

func (h *httpHandler) readJSON(w http.ResponseWriter, r *http.Request, method string, v any) bool {
	buf, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		h.Log.Err(err).Str("method", method).Msg("error reading HTTP request")
		WriteHTTPError(w, ErrInternalServer)
		return false
	}
	if err = json.Unmarshal(buf, v); err != nil {
		h.Log.Err(err).Str("method", method).Msg("error unmarshalling JSON")
		WriteHTTPError(w, ErrBadRequest{Fields: map[string]string{"request body": "malformed JSON"}})
		return false
	}
	return true
}

func (h *httpHandler) idParam(w http.ResponseWriter, r *http.Request, method, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(chi.URLParam(r, name))
	if err != nil {
		h.Log.Err(err).Str("method", method).Msgf("error parsing %s", name)
		WriteHTTPError(w, ErrBadRequest{map[string]string{name: "invalid format"}})
		return 0, false
	}
	return id, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		WriteHTTPError(w, ErrBadRequest{map[string]string{"limit": "invalid format"}})
		return 0, false
	}
	return limit, true
}

// scopeUser resolves an optional userId query parameter against the acting
// user. Reading another user's data is forbidden.
func scopeUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		return actingUser(r), true
	}
	if userID != actingUser(r) {
		WriteHTTPError(w, &LedgerError{Kind: KindForbidden})
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *httpHandler) Post(w http.ResponseWriter, r *http.Request) {
	var req PostReq
	if !h.readJSON(w, r, "post", &req) {
		return
	}
	h.post(w, r, req)
}

// postAs serves the per-account shortcuts, where the account and the type
// come from the route.
func (h *httpHandler) postAs(typ TxnType) http.HandlerFunc {
	method := "post_" + string(typ)
	return func(w http.ResponseWriter, r *http.Request) {
		acctID, ok := h.idParam(w, r, method, "acctID")
		if !ok {
			return
		}
		var req PostReq
		if !h.readJSON(w, r, method, &req) {
			return
		}
		req.AcctID = acctID
		req.Type = typ
		h.post(w, r, req)
	}
}

func (h *httpHandler) post(w http.ResponseWriter, r *http.Request, req PostReq) {
	if key := r.Header.Get(headerIdempotencyKey); key != "" {
		parsed, err := uuid.Parse(key)
		if err != nil {
			WriteHTTPError(w, ErrBadRequest{map[string]string{headerIdempotencyKey: "must be a UUID"}})
			return
		}
		req.IdempotencyKey = parsed.String()
	}
	req.UserID = actingUser(r)

	txn, err := h.Svc.Post(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (h *httpHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountReq
	if !h.readJSON(w, r, "create_account", &req) {
		return
	}
	switch req.UserID {
	case "":
		req.UserID = actingUser(r)
	case actingUser(r):
	default:
		WriteHTTPError(w, &LedgerError{Kind: KindForbidden})
		return
	}
	acct, err := h.Svc.CreateAccount(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *httpHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := scopeUser(w, r)
	if !ok {
		return
	}
	accts, err := h.Svc.Accounts(r.Context(), userID)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *httpHandler) Account(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.idParam(w, r, "account", "acctID")
	if !ok {
		return
	}
	acct, err := h.Svc.Balance(r.Context(), BalanceReq{AcctID: acctID, UserID: actingUser(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *httpHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.idParam(w, r, "balance", "acctID")
	if !ok {
		return
	}
	acct, err := h.Svc.Balance(r.Context(), BalanceReq{AcctID: acctID, UserID: actingUser(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceJSONResp{Balance: acct.Balance.StringFixed(2)})
}

func (h *httpHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.idParam(w, r, "update_account", "acctID")
	if !ok {
		return
	}
	var body updateAccountBody
	if !h.readJSON(w, r, "update_account", &body) {
		return
	}
	fixed := map[string]string{}
	if len(body.Owner) > 0 {
		fixed["userId"] = "cannot be changed"
	}
	if len(body.Number) > 0 {
		fixed["accountNumber"] = "cannot be changed"
	}
	if len(body.Balance) > 0 {
		fixed["balance"] = "changes only through transactions"
	}
	if len(fixed) > 0 {
		WriteHTTPError(w, ErrBadRequest{Fields: fixed})
		return
	}

	req := body.UpdateAccountReq
	req.AcctID = acctID
	req.UserID = actingUser(r)
	acct, err := h.Svc.UpdateAccount(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *httpHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.idParam(w, r, "delete_account", "acctID")
	if !ok {
		return
	}
	err := h.Svc.DeleteAccount(r.Context(), DeleteAccountReq{AcctID: acctID, UserID: actingUser(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) Statement(w http.ResponseWriter, r *http.Request) {
	acctID, ok := h.idParam(w, r, "statement", "acctID")
	if !ok {
		return
	}
	// rendered into a buffer so a failure can still be reported as JSON
	var buf bytes.Buffer
	err := h.Svc.Statement(r.Context(), &buf, StatementReq{AcctID: acctID, UserID: actingUser(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="statement-`+acctID.String()+`.pdf"`)
	if _, err = buf.WriteTo(w); err != nil {
		h.Log.Err(err).Str("method", "statement").Msg("error writing statement")
	}
}

func (h *httpHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	txnID, ok := h.idParam(w, r, "transaction", "txnID")
	if !ok {
		return
	}
	txn, err := h.Svc.Transaction(r.Context(), TransactionReq{TxnID: txnID, UserID: actingUser(r)})
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *httpHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	req := TransactionsReq{Limit: limit, UserID: actingUser(r)}
	if raw := r.URL.Query().Get("accountId"); raw != "" {
		acctID, err := snowflake.ParseString(raw)
		if err != nil {
			WriteHTTPError(w, ErrBadRequest{map[string]string{"accountId": "invalid format"}})
			return
		}
		req.AcctID = &acctID
	}
	txns, err := h.Svc.Transactions(r.Context(), req)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	if txns == nil {
		txns = []Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (h *httpHandler) TransactionDetails(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	txns, err := h.Svc.TransactionDetails(r.Context(), limit)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	if txns == nil {
		txns = []TransactionDetails{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (h *httpHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID != "" && userID != actingUser(r) {
		WriteHTTPError(w, &LedgerError{Kind: KindForbidden})
		return
	}
	stats, err := h.Svc.DashboardStats(r.Context(), userID)
	if err != nil {
		WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// WriteHTTPError maps err onto a status code and a JSON body. This is the only
// place error kinds are translated to HTTP.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var br ErrBadRequest
	if errors.As(err, &br) {
		writeJSON(w, http.StatusBadRequest, br)
		return
	}
	var nf ErrNotFound
	if errors.As(err, &nf) {
		writeJSON(w, http.StatusNotFound, nf)
		return
	}

	kind := KindOf(err)
	resp := errorJSONResp{Error: kind.String(), Message: err.Error()}
	status := http.StatusInternalServerError
	switch kind {
	case KindAccountNotFound:
		status = http.StatusNotFound
	case KindInvalidAmount, KindSelfTransfer, KindInvalidRequest:
		status = http.StatusBadRequest
	case KindInsufficientFunds, KindKeyConflict:
		status = http.StatusConflict
	case KindForbidden:
		status = http.StatusForbidden
	case KindStoreUnavailable:
		status = http.StatusServiceUnavailable
		resp.Message = "service temporarily unavailable, retry later"
		w.Header().Set("Retry-After", retryAfterSeconds)
	default:
		resp.Message = "server error"
	}
	writeJSON(w, status, resp)
}

func HTTPNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"path": r.URL.Path,
	})
}
