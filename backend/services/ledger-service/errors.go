package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/pkg/offline"
)

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{offline.ErrTampered, http.StatusBadRequest, "tampered"},
	{ledger.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
	{ledger.ErrInvalidCredential, http.StatusUnauthorized, "invalid_credentials"},
	{ledger.ErrSuspended, http.StatusForbidden, "account_suspended"},
	{ledger.ErrSuspiciousRejected, http.StatusForbidden, "flagged_for_review"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrDuplicateAccount, http.StatusConflict, "account_exists"},
	{ledger.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{offline.ErrAlreadyReceived, http.StatusConflict, "already_received"},
	{offline.ErrNotReceived, http.StatusConflict, "not_received"},
	{ledger.ErrReservationExpired, http.StatusGone, "reservation_expired"},
	{offline.ErrOfflineLimit, http.StatusUnprocessableEntity, "offline_limit"},
	{offline.ErrOffline, http.StatusServiceUnavailable, "offline"},
	{ledger.ErrPersistenceFailure, http.StatusInternalServerError, "persistence_failure"},
}

// writeLedgerError maps an error kind to a status code and the JSON error
// envelope.
func writeLedgerError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		api.WriteErrorDetails(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), "", map[string]string{
			"required":  insufficient.Required.String(),
			"fee":       insufficient.Fee.String(),
			"available": insufficient.Available.String(),
			"shortfall": insufficient.Shortfall().String(),
		})
		return
	}
	var locked *ledger.LockedError
	if errors.As(err, &locked) {
		api.WriteErrorDetails(w, http.StatusLocked, "account_locked", err.Error(), "", map[string]string{
			"minutes_remaining": strconv.Itoa(locked.MinutesRemaining()),
		})
		return
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			api.WriteError(w, m.status, m.code, err.Error(), "")
			return
		}
	}
	api.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error(), "")
}
