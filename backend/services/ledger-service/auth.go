package main

import (
	"log"
	"net/http"

	"github.com/centralbank/paychain/backend/pkg/common"
	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/services/ledger-service/models"
)

func (s *Service) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !api.Decode(w, r, &req) {
		return
	}

	acc, err := s.node.Register(req.Phone, req.Password)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	profile, err := s.node.Ledger.Profile(acc.ID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	api.WriteSuccess(w, http.StatusCreated, profile)
}

func (s *Service) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if !api.Decode(w, r, &req) {
		return
	}

	acc, err := s.node.Login(req.Phone, req.Password)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	role := common.RoleUser
	if s.operators[acc.ID] {
		role = common.RoleOperator
	}
	s.issue(w, acc.ID, role)
}

func (s *Service) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	c := s.caller(r)
	if !s.node.Ledger.Exists(c.AccountID) {
		api.WriteError(w, http.StatusUnauthorized, "invalid_token", "Account no longer exists", "")
		return
	}
	if s.node.Guard.IsLocked(c.AccountID) {
		api.WriteError(w, http.StatusLocked, "account_locked", "Account is locked", "")
		return
	}
	s.issue(w, c.AccountID, c.Role)
}

func (s *Service) issue(w http.ResponseWriter, account, role string) {
	token, expiresAt, err := common.IssueToken(s.jwt, account, role, s.now())
	if err != nil {
		log.Printf("Failed to sign token: %v", err)
		api.WriteError(w, http.StatusInternalServerError, "internal_error", "Failed to generate token", "")
		return
	}
	resp := models.TokenResponse{Token: token, ExpiresAt: expiresAt.Unix(), Role: role}
	if profile, err := s.node.Ledger.Profile(account); err == nil {
		resp.Profile = &profile
	}
	api.WriteSuccess(w, http.StatusOK, resp)
}

func (s *Service) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	c := s.caller(r)
	api.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"valid":      true,
		"account_id": c.AccountID,
		"role":       c.Role,
		"expires_at": c.ExpiresAt,
	})
}
