package api

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/seeds"
	"github.com/MJE43/pf-roundclock/internal/session"
	"github.com/MJE43/pf-roundclock/internal/settlebus"
	"github.com/MJE43/pf-roundclock/internal/store"
	"github.com/MJE43/pf-roundclock/internal/timeline"
)

type gridKey struct {
	game        string
	periodStart int64
}

type grid struct {
	tl   timeline.Timeline
	last timeline.Window
	warm bool
}

// gridCache keeps the timeline of each live period so that the server walks
// it forward instead of locating from round 0 on every request.
type gridCache struct {
	issuer *seeds.Issuer
	mu     sync.Mutex
	grids  map[gridKey]*grid
}

func newGridCache(issuer *seeds.Issuer) *gridCache {
	return &gridCache{issuer: issuer, grids: make(map[gridKey]*grid)}
}

// position returns the round live at now in the given period of g.
func (c *gridCache) position(g games.Game, periodStart int64, now float64) (timeline.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := gridKey{game: g.Name(), periodStart: periodStart}
	gr, ok := c.grids[key]
	if !ok {
		tl, err := g.Timeline(c.issuer.SeedFor(g.Name(), periodStart), float64(periodStart))
		if err != nil {
			return timeline.Position{}, err
		}
		for k := range c.grids {
			if k.game == key.game && k.periodStart < periodStart {
				delete(c.grids, k)
			}
		}
		gr = &grid{tl: tl}
		c.grids[key] = gr
	}

	if gr.warm && now >= gr.last.Start {
		gr.last = gr.tl.Advance(gr.last, now)
	} else {
		gr.last = gr.tl.Locate(now)
		gr.warm = true
	}
	return gr.tl.Position(gr.last, now), nil
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		s.errorHandler.Reject(w, r, http.StatusUnauthorized, ErrTypeMissingUser, "X-User-ID header is required", nil)
		return "", false
	}
	return id, true
}

func (s *Server) lookupGame(w http.ResponseWriter, r *http.Request, name string) (games.Game, bool) {
	g, ok := games.GetGame(name)
	if !ok {
		s.errorHandler.Reject(w, r, http.StatusNotFound, ErrTypeGameNotFound, "Unknown game",
			map[string]interface{}{"game": name, "available": games.ListGames()})
		return nil, false
	}
	return g, true
}

// GET /session/init?game=
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGame(w, r, r.URL.Query().Get("game"))
	if !ok {
		return
	}
	issue, err := s.issuer.Issue(g.Name())
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	resp := InitResponse{Issue: issue, Commitment: seeds.Commitment(issue.Seed)}

	if err := s.db.RecordSeed(r.Context(), store.SeedRecord{
		Game:        issue.Game,
		PeriodStart: issue.PeriodStart,
		Commitment:  resp.Commitment,
	}); err != nil {
		s.logger.Warn().Err(err).Str("game", issue.Game).Int64("period_start", issue.PeriodStart).
			Msg("failed to record seed commitment")
	}

	s.logger.Debug().
		Str("game", issue.Game).
		Str("seed_digest", engine.SeedDigest(issue.Seed)).
		Int64("period_start", issue.PeriodStart).
		Msg("seed issued")
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /session/bets?game=
func (s *Server) handleBets(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGame(w, r, r.URL.Query().Get("game"))
	if !ok {
		return
	}
	now := s.clock.Now().UnixMilli()
	periodStart := session.PeriodStartOf(now, g.TTL())
	pos, err := s.grids.position(g, periodStart, float64(now))
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	views, err := s.roundBets(r, g.Name(), periodStart, pos.Window.Index)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, session.BetsResponse{Bets: views})
}

func (s *Server) roundBets(r *http.Request, game string, periodStart, round int64) ([]session.BetView, error) {
	records, err := s.db.RoundBets(r.Context(), game, periodStart, round)
	if err != nil {
		return nil, err
	}
	views := make([]session.BetView, len(records))
	for i, b := range records {
		views[i] = session.BetView{
			UserID:    b.UserID,
			Selection: b.Selection,
			Amount:    b.Amount,
			UserName:  b.UserName,
		}
	}
	return views, nil
}

// GET /session/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	balance, err := s.db.EnsureAccount(r.Context(), user, s.cfg.StartingBalance)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, session.BalanceResponse{Balance: balance})
}

// POST /session/bet
func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req session.PlaceBetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON")
		return
	}
	g, ok := s.lookupGame(w, r, req.Game)
	if !ok {
		return
	}
	if !req.Amount.IsPositive() {
		s.errorHandler.HandleValidationError(w, r, "amount", "amount must be positive")
		return
	}
	if req.Selection < 0 || req.Selection >= g.Selections() {
		s.errorHandler.HandleValidationError(w, r, "selection", "selection out of range")
		return
	}

	now := s.clock.Now().UnixMilli()
	current := session.PeriodStartOf(now, g.TTL())
	periodStart := req.PeriodStart
	if periodStart == 0 {
		periodStart = current
	}
	if periodStart != current {
		s.errorHandler.Reject(w, r, http.StatusConflict, ErrTypeBettingClosed, "Seed period is not live",
			map[string]interface{}{"period_start": periodStart, "current_period_start": current})
		return
	}
	pos, err := s.grids.position(g, periodStart, float64(now))
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	if req.Round != pos.Window.Index || pos.Phase != timeline.PhaseBetting {
		s.errorHandler.Reject(w, r, http.StatusConflict, ErrTypeBettingClosed, "Betting is closed for this round",
			map[string]interface{}{
				"round":         req.Round,
				"current_round": pos.Window.Index,
				"phase":         g.PhaseLabel(pos.Phase),
			})
		return
	}

	ctx := r.Context()
	if _, err := s.db.EnsureAccount(ctx, user, s.cfg.StartingBalance); err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	balance, err := s.db.PlaceBet(ctx, &store.BetRecord{
		UserID:      user,
		UserName:    strings.TrimSpace(r.Header.Get("X-User-Name")),
		Game:        g.Name(),
		PeriodStart: periodStart,
		Round:       req.Round,
		Selection:   req.Selection,
		Amount:      req.Amount,
	})
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		s.errorHandler.Reject(w, r, http.StatusUnprocessableEntity, ErrTypeInsufficientFunds, "Insufficient balance",
			map[string]interface{}{"amount": req.Amount.String()})
		return
	case errors.Is(err, store.ErrDuplicateBet):
		s.errorHandler.Reject(w, r, http.StatusConflict, ErrTypeDuplicateBet, "Bet already placed for this round",
			map[string]interface{}{"round": req.Round})
		return
	case err != nil:
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}

	views, err := s.roundBets(r, g.Name(), periodStart, req.Round)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("user_id", user).
		Str("game", g.Name()).
		Int64("round", req.Round).
		Int("selection", req.Selection).
		Str("amount", req.Amount.String()).
		Msg("bet placed")
	s.writeJSON(w, http.StatusOK, session.PlaceBetResponse{OK: true, Bets: views, Balance: balance})
}

// POST /session/settle
//
// The reported win is recomputed from the period seed: a crash cash-out pays
// only at or below the crash point, a race bet pays only on the winner.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req session.SettleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON")
		return
	}
	if _, err := uuid.Parse(req.ID); err != nil {
		s.errorHandler.HandleValidationError(w, r, "id", "id must be a UUID")
		return
	}
	g, ok := s.lookupGame(w, r, req.Game)
	if !ok {
		return
	}
	if !req.Bet.IsPositive() || req.Win.IsNegative() {
		s.errorHandler.HandleValidationError(w, r, "bet", "bet must be positive and win non-negative")
		return
	}
	if req.Round < 0 {
		s.errorHandler.HandleValidationError(w, r, "round", "round must be non-negative")
		return
	}

	now := s.clock.Now().UnixMilli()
	current := session.PeriodStartOf(now, g.TTL())
	periodStart := req.PeriodStart
	if periodStart == 0 {
		periodStart = current
	}
	if periodStart%g.TTL() != 0 || periodStart > current {
		s.errorHandler.Reject(w, r, http.StatusUnprocessableEntity, ErrTypeInvalidRound, "Unknown seed period",
			map[string]interface{}{"period_start": periodStart})
		return
	}
	if req.CashOut != 0 && !g.SupportsCashOut() {
		s.errorHandler.Reject(w, r, http.StatusUnprocessableEntity, ErrTypeSettlementRejected,
			"Game does not support cash-out", map[string]interface{}{"game": g.Name()})
		return
	}

	outcome := g.Outcome(s.issuer.SeedFor(g.Name(), periodStart), req.Round)
	expected := decimal.NewFromFloat(g.Payout(games.Wager{
		Amount:    req.Bet.InexactFloat64(),
		Selection: req.Selection,
		CashOut:   req.CashOut,
	}, outcome))
	if !req.Win.Equal(expected) {
		s.errorHandler.Reject(w, r, http.StatusUnprocessableEntity, ErrTypeSettlementRejected,
			"Win does not match the round outcome",
			map[string]interface{}{"round": req.Round, "win": req.Win.String(), "expected": expected.String()})
		return
	}

	// The store only settles a bet with the recorded stake and selection.
	rec := &store.SettlementRecord{
		ID:          req.ID,
		UserID:      user,
		Game:        g.Name(),
		PeriodStart: periodStart,
		Round:       req.Round,
		Selection:   req.Selection,
		Bet:         req.Bet,
		Win:         req.Win,
	}
	res, err := s.db.Settle(r.Context(), rec)
	if errors.Is(err, store.ErrUnknownBet) {
		s.errorHandler.Reject(w, r, http.StatusConflict, ErrTypeSettlementRejected, "No matching open bet",
			map[string]interface{}{"round": req.Round, "cause": err.Error()})
		return
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}

	if !res.Duplicate {
		ev := settlebus.Event{
			ID:           rec.ID,
			UserID:       rec.UserID,
			Game:         rec.Game,
			PeriodStart:  rec.PeriodStart,
			Round:        rec.Round,
			Bet:          rec.Bet,
			Win:          rec.Win,
			BalanceAfter: res.Balance,
			SettledAt:    s.clock.Now().UTC(),
		}
		if err := s.bus.Publish(r.Context(), ev); err != nil {
			s.logger.Warn().Err(err).Str("settlement_id", rec.ID).Msg("failed to publish settlement")
		}
	}

	s.logger.Info().
		Str("user_id", user).
		Str("settlement_id", req.ID).
		Int64("round", req.Round).
		Str("win", req.Win.String()).
		Bool("duplicate", res.Duplicate).
		Msg("settlement applied")
	s.writeJSON(w, http.StatusOK, session.SettleResponse{OK: true, Balance: res.Balance, Duplicate: res.Duplicate})
}
