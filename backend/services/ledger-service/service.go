package main

import (
	"net/http"
	"time"

	"github.com/centralbank/paychain/backend/pkg/common"
	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/centralbank/paychain/backend/pkg/notify"
	"github.com/centralbank/paychain/backend/pkg/paychain"
	"github.com/centralbank/paychain/backend/services/ledger-service/models"
	"github.com/gorilla/mux"
)

type Service struct {
	node      *paychain.Node
	jwt       common.JWTConfig
	operators map[string]bool
	hub       *notify.Hub
	now       func() time.Time
}

func NewService(node *paychain.Node, cfg *common.Config, hub *notify.Hub) *Service {
	ops := make(map[string]bool, len(cfg.Operators))
	for _, id := range cfg.Operators {
		ops[id] = true
	}
	return &Service{
		node:      node,
		jwt:       cfg.JWT,
		operators: ops,
		hub:       hub,
		now:       time.Now,
	}
}

func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/auth/register", s.RegisterHandler).Methods("POST")
	r.HandleFunc("/auth/login", s.LoginHandler).Methods("POST")
	r.HandleFunc("/events", s.EventsHandler).Methods("GET")

	p := r.NewRoute().Subrouter()
	p.Use(common.AuthMiddleware(s.jwt.Secret))

	// Operator routes: /ops and the offline controls that act on the whole node.
	ops := func(h http.HandlerFunc) http.HandlerFunc { return common.RequireRole(common.RoleOperator, h) }

	p.HandleFunc("/auth/verify", s.VerifyHandler).Methods("GET")
	p.HandleFunc("/auth/refresh", s.RefreshHandler).Methods("POST")

	p.HandleFunc("/wallets/{id}", s.GetWalletHandler).Methods("GET")
	p.HandleFunc("/wallets/{id}/balance", s.GetBalanceHandler).Methods("GET")
	p.HandleFunc("/wallets/{id}/transactions", s.GetTransactionsHandler).Methods("GET")

	p.HandleFunc("/payments/transfer", s.TransferHandler).Methods("POST")
	p.HandleFunc("/payments/fund", s.FundHandler).Methods("POST")
	p.HandleFunc("/payments/{id}", s.GetTransactionHandler).Methods("GET")

	p.HandleFunc("/offline/reservations", s.CreateReservationHandler).Methods("POST")
	p.HandleFunc("/offline/receive", s.ReceiveHandler).Methods("POST")
	p.HandleFunc("/offline/settle/{id}", s.SettleHandler).Methods("POST")
	p.HandleFunc("/offline/sweep", ops(s.SweepHandler)).Methods("POST")
	p.HandleFunc("/offline/emergency-release", s.EmergencyReleaseHandler).Methods("POST")
	p.HandleFunc("/offline/mode", ops(s.SetModeHandler)).Methods("POST")
	p.HandleFunc("/offline/status", s.StatusHandler).Methods("GET")
	p.HandleFunc("/offline/history", s.HistoryHandler).Methods("GET")
	p.HandleFunc("/offline/peers", s.PeersHandler).Methods("GET")
	p.HandleFunc("/offline/peers", ops(s.AnnouncePeerHandler)).Methods("POST")

	p.HandleFunc("/ops/security/scan", ops(s.ScanHandler)).Methods("GET")
	p.HandleFunc("/ops/security/report", ops(s.ReportHandler)).Methods("GET")
	p.HandleFunc("/ops/security/unlock-all", ops(s.UnlockAllHandler)).Methods("POST")
	p.HandleFunc("/ops/stats", ops(s.StatsHandler)).Methods("GET")
	p.HandleFunc("/ops/accounts/{id}/suspend", ops(s.SuspendHandler)).Methods("POST")
	p.HandleFunc("/ops/accounts/{id}/activate", ops(s.ActivateHandler)).Methods("POST")

	return r
}

// caller returns the authenticated account. Routes behind AuthMiddleware
// always have one.
func (s *Service) caller(r *http.Request) *common.Claims {
	c, _ := common.ClaimsFrom(r.Context())
	if c == nil {
		return &common.Claims{}
	}
	return c
}

// authorize lets an account act on itself and operators act on anyone.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, account string) bool {
	c := s.caller(r)
	if c.AccountID == account || c.Role == common.RoleOperator {
		return true
	}
	api.WriteError(w, http.StatusForbidden, "forbidden", "Not allowed to act on this account", "")
	return false
}

func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.node.Status()
	health := "healthy"
	if status.Degraded {
		health = "degraded"
	}
	api.WriteSuccess(w, http.StatusOK, models.HealthResponse{
		Status:      health,
		Service:     "ledger-service",
		Online:      status.Online,
		BlockHeight: s.node.Ledger.BlockHeight(),
	})
}

// EventsHandler upgrades to a websocket event stream. Browsers cannot set
// headers on the upgrade, so the token may also come as ?token=.
func (s *Service) EventsHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = common.BearerToken(r.Header.Get("Authorization"))
	}
	claims, err := common.ParseToken(s.jwt.Secret, token)
	if err != nil {
		api.WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token", "")
		return
	}
	q := r.URL.Query()
	q.Del("token")
	if claims.Role != common.RoleOperator {
		q.Set("account", claims.AccountID)
	}
	r.URL.RawQuery = q.Encode()
	s.hub.ServeHTTP(w, r)
}
