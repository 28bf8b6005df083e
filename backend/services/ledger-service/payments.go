package main

import (
	"net/http"

	"github.com/centralbank/paychain/backend/pkg/common"
	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/pkg/ledger"
	"github.com/centralbank/paychain/backend/services/ledger-service/models"
	"github.com/gorilla/mux"
)

// TransferHandler pays from the caller's account. While the node is offline
// the payment becomes a reservation instead of an immediate transfer.
func (s *Service) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !api.Decode(w, r, &req) {
		return
	}

	payment, err := s.node.Pay(s.caller(r).AccountID, req.To, req.Amount, req.Password)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	status := http.StatusOK
	if payment.Reservation != nil {
		status = http.StatusAccepted
	}
	api.WriteSuccess(w, status, payment)
}

func (s *Service) FundHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FundRequest
	if !api.Decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = s.caller(r).AccountID
	}
	if !s.authorize(w, r, req.Account) {
		return
	}

	tx, err := s.node.Fund(req.Account, req.Amount)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusCreated, tx)
}

func (s *Service) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.node.Ledger.Transaction(mux.Vars(r)["id"])
	if !ok {
		api.WriteError(w, http.StatusNotFound, "not_found", "Transaction not found", "")
		return
	}
	c := s.caller(r)
	if tx.From != c.AccountID && tx.To != c.AccountID && c.Role != common.RoleOperator {
		api.WriteError(w, http.StatusNotFound, "not_found", "Transaction not found", "")
		return
	}

	verified := ledger.VerifySignature(tx)
	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"transaction":        tx,
		"signature_verified": verified,
	})
}
