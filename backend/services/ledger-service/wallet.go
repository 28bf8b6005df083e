package main

import (
	"net/http"

	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/services/ledger-service/models"
	"github.com/gorilla/mux"
)

const currency = "KES"

func (s *Service) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id) {
		return
	}

	profile, err := s.node.Ledger.Profile(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, profile)
}

func (s *Service) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id) {
		return
	}
	if !s.node.Ledger.Exists(id) {
		api.WriteError(w, http.StatusNotFound, "not_found", "Wallet not found", "")
		return
	}

	api.WriteSuccess(w, http.StatusOK, models.WalletBalance{
		Account:  id,
		Balance:  s.node.Ledger.Balance(id),
		Currency: currency,
	})
}

func (s *Service) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id) {
		return
	}
	if !s.node.Ledger.Exists(id) {
		api.WriteError(w, http.StatusNotFound, "not_found", "Wallet not found", "")
		return
	}

	api.WriteSuccess(w, http.StatusOK, s.node.Ledger.TransactionsOf(id))
}
