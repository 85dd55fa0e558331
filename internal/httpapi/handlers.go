package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"funds-transfer/internal/account"
	"funds-transfer/internal/domain"
	"funds-transfer/internal/logging"
	"funds-transfer/internal/store"
	"funds-transfer/internal/transfer"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const balanceReadTimeout = 3 * time.Second

type Handlers struct {
	st  *store.Store
	tc  *transfer.Coordinator
	log *zap.Logger
}

func NewHandlers(st *store.Store, tc *transfer.Coordinator, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{st: st, tc: tc, log: log.Named("http")}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Caller and business-rule errors
	case errors.Is(err, domain.ErrInvalidAccount),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrDuplicateAccountID),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound

	// Lock timeouts land here too; the caller should retry later.
	default:
		return http.StatusInternalServerError
	}
}

const (
	internalErrMessage       = "internal error"
	transferFailedErrMessage = "An error occurred while transferring funds. Funds are not debited from your account."
)

// publicErrMessage returns what the caller sees. internal replaces the text
// of unexpected 5xx errors.
func publicErrMessage(code int, err error, internal string) string {
	// The timeout message is meant for the caller.
	if errors.Is(err, domain.ErrTransactionTimeout) {
		return err.Error()
	}
	// Don’t leak internals on 5xx.
	if code >= 500 {
		return internal
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.failWith(w, r, err, internalErrMessage)
}

func (h *Handlers) failWith(w http.ResponseWriter, r *http.Request, err error, internal string) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", domain.Kind(err)),
			zap.String("correlation_id", logging.CorrelationID(r.Context())),
			zap.Error(err),
		)
	}
	writeErr(w, code, publicErrMessage(code, err, internal))
}

// POST /v1/accounts
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	h.log.Info("creating account",
		zap.String("account_id", req.AccountID),
		zap.String("correlation_id", logging.CorrelationID(r.Context())),
	)

	if err := h.st.Create(account.New(req.AccountID, req.Balance)); err != nil {
		h.fail(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// GET /v1/accounts/{accountId}
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("accountId")
	if strings.TrimSpace(id) == "" {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}

	acc, err := h.st.Get(id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	bal, err := acc.Snapshot(r.Context(), balanceReadTimeout)
	if err != nil {
		if errors.Is(err, account.ErrLockTimeout) {
			err = domain.ErrTransactionTimeout
		}
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.AccountResponse{AccountID: acc.ID(), Balance: bal})
}

// POST /v1/accounts/transferFunds
func (h *Handlers) TransferFunds(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	h.log.Info("making money transfer",
		zap.String("amount", req.Amount.String()),
		zap.String("from", req.FromAccountID),
		zap.String("to", req.ToAccountID),
		zap.String("correlation_id", logging.CorrelationID(r.Context())),
	)

	rc, err := h.tc.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount)
	if err != nil {
		h.failWith(w, r, err, transferFailedErrMessage)
		return
	}

	writeJSON(w, http.StatusOK, domain.TransferResponse{
		TransferID:    rc.ID,
		FromAccountID: rc.FromAccountID,
		ToAccountID:   rc.ToAccountID,
		Amount:        rc.Amount,
		CommittedAt:   rc.CommittedAt,
	})
}

// withCorrelationID propagates X-Correlation-Id, generating one if absent.
func withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", corr)
		next.ServeHTTP(w, r.WithContext(logging.WithCorrelationID(r.Context(), corr)))
	})
}
