package main

import (
	"log"
	"net/http"

	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/gorilla/mux"
)

func (s *Service) ScanHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Scan())
}

func (s *Service) ReportHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Report())
}

func (s *Service) UnlockAllHandler(w http.ResponseWriter, r *http.Request) {
	n := s.node.UnlockAll()
	log.Printf("Emergency unlock by %s released %d accounts", s.caller(r).AccountID, n)
	api.WriteSuccess(w, http.StatusOK, map[string]int{"unlocked": n})
}

func (s *Service) StatsHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteSuccess(w, http.StatusOK, s.node.Stats())
}

func (s *Service) SuspendHandler(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Service) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Service) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]
	if err := s.node.Ledger.SetActive(id, active); err != nil {
		writeLedgerError(w, err)
		return
	}
	status := "ACTIVE"
	if !active {
		status = "SUSPENDED"
	}
	log.Printf("Account %s set %s by %s", id, status, s.caller(r).AccountID)
	api.WriteSuccess(w, http.StatusOK, map[string]string{"account": id, "status": status})
}
