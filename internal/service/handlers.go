package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/checks"
	"github.com/atmx/reward-engine/internal/coins"
	"github.com/atmx/reward-engine/internal/denom"
	"github.com/atmx/reward-engine/internal/governance"
	"github.com/atmx/reward-engine/internal/model"
	"github.com/atmx/reward-engine/internal/rewards"
	"github.com/atmx/reward-engine/internal/store"
)

// --- Request types ---

// RegisterStrategyRequest is the JSON body for POST /strategies.
type RegisterStrategyRequest struct {
	Call
	Name string `json:"name"`
}

// SetActiveRequest is the JSON body for POST /strategies/{strategyID}/active.
type SetActiveRequest struct {
	Call
	Active bool `json:"active"`
}

// SetSharesRequest is the JSON body for POST /strategies/{strategyID}/shares.
type SetSharesRequest struct {
	Call
	Participant string          `json:"participant"`
	Shares      decimal.Decimal `json:"shares"`
}

// ClaimRequest is the JSON body for the claim endpoints. The participant
// comes from the URL.
type ClaimRequest struct {
	Call
}

// OperatorRequest is the JSON body for POST /config/operator.
type OperatorRequest struct {
	Call
	Operator string `json:"operator"`
}

// ProposeManagerRequest is the JSON body for POST /config/manager/propose.
type ProposeManagerRequest struct {
	Call
	Candidate string `json:"candidate"`
}

// Routes registers the API on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/config", s.HandleGetConfig)
	r.Post("/config/operator", s.HandleUpdateOperator)
	r.Post("/config/manager/propose", s.HandleProposeManager)
	r.Post("/config/manager/accept", s.HandleAcceptManager)

	r.Get("/strategies", s.HandleListStrategies)
	r.Post("/strategies", s.HandleRegisterStrategy)
	r.Get("/strategies/{strategyID}", s.HandleGetStrategy)
	r.Post("/strategies/{strategyID}/active", s.HandleSetStrategyActive)
	r.Post("/strategies/{strategyID}/accrue", s.HandleAccrue)
	r.Post("/strategies/{strategyID}/shares", s.HandleSetShares)
	r.Post("/strategies/{strategyID}/claim/{participant}", s.HandleSettleAndClaim)

	r.Post("/participants/{participant}/claim", s.HandleClaimAll)
	r.Get("/participants/{participant}/positions", s.HandleParticipantPositions)
	r.Get("/participants/{participant}/positions/{strategyID}", s.HandleGetPosition)
	r.Get("/participants/{participant}/payouts", s.HandlePayouts)
}

// --- Mutation handlers ---

// HandleAccrue handles POST /api/v1/strategies/{strategyID}/accrue
func (s *Service) HandleAccrue(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	var req Call
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Accrue(r.Context(), req, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSettleAndClaim handles POST /api/v1/strategies/{strategyID}/claim/{participant}
func (s *Service) HandleSettleAndClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.SettleAndClaim(r.Context(), req.Call, chi.URLParam(r, "participant"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleClaimAll handles POST /api/v1/participants/{participant}/claim
func (s *Service) HandleClaimAll(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ClaimAll(r.Context(), req.Call, chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSetShares handles POST /api/v1/strategies/{strategyID}/shares
func (s *Service) HandleSetShares(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	var req SetSharesRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.SetShares(r.Context(), req.Call, req.Participant, id, req.Shares)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRegisterStrategy handles POST /api/v1/strategies
func (s *Service) HandleRegisterStrategy(w http.ResponseWriter, r *http.Request) {
	var req RegisterStrategyRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.RegisterStrategy(r.Context(), req.Call, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// HandleSetStrategyActive handles POST /api/v1/strategies/{strategyID}/active
func (s *Service) HandleSetStrategyActive(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	var req SetActiveRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.SetStrategyActive(r.Context(), req.Call, id, req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleUpdateOperator handles POST /api/v1/config/operator
func (s *Service) HandleUpdateOperator(w http.ResponseWriter, r *http.Request) {
	var req OperatorRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.UpdateOperator(r.Context(), req.Call, req.Operator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleProposeManager handles POST /api/v1/config/manager/propose
func (s *Service) HandleProposeManager(w http.ResponseWriter, r *http.Request) {
	var req ProposeManagerRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.ProposeManager(r.Context(), req.Call, req.Candidate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleAcceptManager handles POST /api/v1/config/manager/accept
func (s *Service) HandleAcceptManager(w http.ResponseWriter, r *http.Request) {
	var req Call
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.AcceptManager(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Query handlers ---

// HandleGetConfig handles GET /api/v1/config
func (s *Service) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Config(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// HandleListStrategies handles GET /api/v1/strategies
func (s *Service) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.Strategies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if strategies == nil {
		strategies = []model.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategies)
}

// HandleGetStrategy handles GET /api/v1/strategies/{strategyID}
func (s *Service) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	st, err := s.Strategy(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleGetPosition handles GET /api/v1/participants/{participant}/positions/{strategyID}
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := strategyParam(w, r)
	if !ok {
		return
	}
	view, err := s.Position(r.Context(), chi.URLParam(r, "participant"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleParticipantPositions handles GET /api/v1/participants/{participant}/positions
func (s *Service) HandleParticipantPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.ParticipantPositions(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// HandlePayouts handles GET /api/v1/participants/{participant}/payouts
func (s *Service) HandlePayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := s.Payouts(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

// --- Helpers ---

func strategyParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "strategyID"), 10, 64)
	if err != nil {
		writeErrorMessage(w, "invalid strategy id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorMessage(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, checks.ErrUnauthorized),
		errors.Is(err, governance.ErrNotManager),
		errors.Is(err, governance.ErrNotCandidate):
		return http.StatusForbidden

	case errors.Is(err, rewards.ErrZeroShareAccrual),
		errors.Is(err, ErrStrategyInactive),
		errors.Is(err, governance.ErrNoPendingManager),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict

	case errors.Is(err, rewards.ErrNegativeShareRequest),
		errors.Is(err, checks.ErrMissingSender),
		errors.Is(err, checks.ErrNoFunds),
		errors.Is(err, checks.ErrFundsNotExpected),
		errors.Is(err, governance.ErrInvalidCandidate),
		errors.Is(err, ErrMissingParticipant),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, denom.ErrInvalidDenom),
		errors.Is(err, denom.ErrInvalidIBC),
		errors.Is(err, coins.ErrNegativeAmount),
		errors.Is(err, coins.ErrDuplicateDenom):
		return http.StatusBadRequest

	case errors.Is(err, ErrTransferFailed):
		return http.StatusBadGateway
	}
	// Ordering and precision violations land here with every other fault.
	return http.StatusInternalServerError
}

// writeError writes a JSON error response for err.
func writeError(w http.ResponseWriter, err error) {
	writeErrorMessage(w, err.Error(), statusFor(err))
}

func writeErrorMessage(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
