package main

import (
	"net/http"

	"github.com/centralbank/paychain/backend/pkg/common"
	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/pkg/offline"
	"github.com/centralbank/paychain/backend/services/ledger-service/models"
	"github.com/gorilla/mux"
)

func (s *Service) CreateReservationHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !api.Decode(w, r, &req) {
		return
	}

	res, err := s.node.SendOffline(s.caller(r).AccountID, req.To, req.Amount, req.Password)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusCreated, res)
}

// ReceiveHandler accepts a reservation delivered to the caller by a peer.
func (s *Service) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	var res offline.Reservation
	if !api.Decode(w, r, &res) {
		return
	}
	if !s.authorize(w, r, res.To) {
		return
	}

	if err := s.node.Receive(res); err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]string{"status": string(offline.StatusReceived), "id": res.ID})
}

func (s *Service) SettleHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, ok := s.node.Engine.Reservation(id)
	if !ok {
		api.WriteError(w, http.StatusNotFound, "not_found", "Reservation not found", "")
		return
	}
	c := s.caller(r)
	if c.AccountID != res.From && c.AccountID != res.To && c.Role != common.RoleOperator {
		api.WriteError(w, http.StatusForbidden, "forbidden", "Not a party to this reservation", "")
		return
	}

	tx, err := s.node.Settle(id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, tx)
}

func (s *Service) SweepHandler(w http.ResponseWriter, r *http.Request) {
	count, total := s.node.Sweep()
	api.WriteSuccess(w, http.StatusOK, models.SweepResponse{Expired: count, Released: total})
}

func (s *Service) EmergencyReleaseHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReleaseRequest
	if r.ContentLength != 0 && !api.Decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		req.Account = s.caller(r).AccountID
	}
	if !s.authorize(w, r, req.Account) {
		return
	}

	total, err := s.node.EmergencyRelease(req.Account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, models.ReleaseResponse{Account: req.Account, Released: total})
}

func (s *Service) SetModeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ModeRequest
	if !api.Decode(w, r, &req) {
		return
	}
	mode, err := offline.ParseMode(req.Mode)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}

	if err := s.node.SetMode(mode); err != nil {
		writeLedgerError(w, err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, s.node.Status())
}

func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Status())
}

func (s *Service) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Engine.History(s.caller(r).AccountID))
}

func (s *Service) PeersHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Engine.Peers())
}

// AnnouncePeerHandler registers a device in range of the node.
func (s *Service) AnnouncePeerHandler(w http.ResponseWriter, r *http.Request) {
	var p offline.Peer
	if !api.Decode(w, r, &p) {
		return
	}
	if p.ID == "" {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "Peer id is required", "")
		return
	}

	s.node.Engine.Announce(p)
	api.WriteSuccess(w, http.StatusAccepted, map[string]string{"status": "announced", "id": p.ID})
}
