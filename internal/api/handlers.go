package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/pf-roundclock/internal/engine"
	"github.com/MJE43/pf-roundclock/internal/games"
	"github.com/MJE43/pf-roundclock/internal/scan"
	"github.com/MJE43/pf-roundclock/internal/seeds"
	"github.com/MJE43/pf-roundclock/internal/store"
)

// handleListGames returns the registered games and their constants
func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	names := games.ListGames()
	out := make([]GameInfo, 0, len(names))
	for _, name := range names {
		g, ok := games.GetGame(name)
		if !ok {
			continue
		}
		out = append(out, GameInfo{
			Name:            g.Name(),
			MetricName:      g.MetricName(),
			Selections:      g.Selections(),
			SupportsCashOut: g.SupportsCashOut(),
			HistoryLimit:    g.HistoryLimit(),
			TTL:             g.TTL(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"games":          out,
		"engine_version": EngineVersion,
	})
}

// scanError maps scan package errors onto HTTP answers.
func (s *Server) scanError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scan.ErrGameNotFound):
		s.errorHandler.Reject(w, r, http.StatusNotFound, ErrTypeGameNotFound, err.Error(),
			map[string]interface{}{"available": games.ListGames()})
	case errors.Is(err, scan.ErrEmptySeed):
		s.errorHandler.Reject(w, r, http.StatusBadRequest, ErrTypeInvalidSeed, err.Error(), nil)
	case errors.Is(err, scan.ErrInvalidRange), errors.Is(err, scan.ErrRangeTooLarge):
		s.errorHandler.Reject(w, r, http.StatusBadRequest, ErrTypeInvalidRound, err.Error(), nil)
	case errors.Is(err, scan.ErrInvalidTarget):
		s.errorHandler.Reject(w, r, http.StatusBadRequest, ErrTypeInvalidParams, err.Error(), nil)
	default:
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
	}
}

// handleVerify recomputes rounds of a revealed seed
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req scan.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON")
		return
	}
	res, err := scan.Verify(req)
	if err != nil {
		s.scanError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleScan searches a round range of a revealed seed and stores the run
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	if err := decodeJSON(r, &req); err != nil {
		s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON")
		return
	}
	if err := scan.Validate(req, s.cfg.MaxScanRounds); err != nil {
		s.scanError(w, r, err)
		return
	}

	ctx := r.Context()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	res, err := s.scanner.Scan(ctx, req)
	if err != nil {
		s.scanError(w, r, err)
		return
	}

	resp := ScanResponse{Result: res}
	runID, err := s.saveRun(r.Context(), req, res)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist scan run")
	} else {
		resp.RunID = runID
	}

	s.logger.Info().
		Str("game", req.Game).
		Str("seed_digest", engine.SeedDigest(req.Seed)).
		Int64("round_start", req.RoundStart).
		Int64("round_end", req.RoundEnd).
		Int("hits", res.Summary.HitsFound).
		Bool("timed_out", res.Summary.TimedOut).
		Dur("duration", time.Since(start)).
		Msg("scan completed")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveRun(ctx context.Context, req scan.Request, res *scan.Result) (string, error) {
	run := &store.Run{
		Game:           req.Game,
		SeedHash:       seeds.Commitment(req.Seed),
		RoundStart:     req.RoundStart,
		RoundEnd:       req.RoundEnd,
		TargetOp:       string(req.TargetOp),
		TargetVal:      req.TargetVal,
		TargetVal2:     req.TargetVal2,
		Tolerance:      res.Echo.Tolerance,
		HitLimit:       req.Limit,
		TimedOut:       res.Summary.TimedOut,
		HitCount:       len(res.Hits),
		TotalEvaluated: res.Summary.TotalEvaluated,
		SummaryCount:   res.Summary.TotalEvaluated,
		EngineVersion:  res.EngineVersion,
	}
	if res.Summary.TotalEvaluated > 0 {
		lo, hi, sum := res.Summary.MinMetric, res.Summary.MaxMetric, res.Summary.SumMetric
		run.SummaryMin, run.SummaryMax, run.SummarySum = &lo, &hi, &sum
	}
	if err := s.db.SaveRun(ctx, run); err != nil {
		return "", err
	}

	hits := make([]store.Hit, len(res.Hits))
	for i, h := range res.Hits {
		hits[i] = store.Hit{RunID: run.ID, Round: h.Round, Metric: h.Metric, Details: string(h.Details)}
	}
	if err := s.db.SaveHits(ctx, run.ID, hits); err != nil {
		return "", err
	}
	return run.ID, nil
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// handleListRuns pages stored scan runs, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.ListRuns(r.Context(), store.RunsQuery{
		Game:    r.URL.Query().Get("game"),
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "perPage"),
	})
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// handleGetRun returns one run with a page of its hits
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.db.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.errorHandler.Reject(w, r, http.StatusNotFound, ErrTypeNotFound, "Run not found",
			map[string]interface{}{"id": id})
		return
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	hits, err := s.db.GetRunHits(r.Context(), id, queryInt(r, "page"), queryInt(r, "perPage"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, RunDetail{Run: run, Hits: hits})
}

// handleRevealSeed discloses the seed of a period once it has ended. Live
// periods only expose their commitment.
func (s *Server) handleRevealSeed(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGame(w, r, chi.URLParam(r, "game"))
	if !ok {
		return
	}
	periodStart, err := strconv.ParseInt(chi.URLParam(r, "periodStart"), 10, 64)
	if err != nil || periodStart < 0 || periodStart%g.TTL() != 0 {
		s.errorHandler.HandleValidationError(w, r, "periodStart", "period start must be a multiple of the seed TTL")
		return
	}

	seed := s.issuer.SeedFor(g.Name(), periodStart)
	reveal := SeedReveal{
		Game:        g.Name(),
		PeriodStart: periodStart,
		PeriodEnd:   periodStart + g.TTL(),
		Commitment:  seeds.Commitment(seed),
	}
	if s.clock.Now().UnixMilli() < reveal.PeriodEnd {
		s.errorHandler.Reject(w, r, http.StatusForbidden, ErrTypeSeedNotRevealed, "Seed period has not ended",
			map[string]interface{}{"commitment": reveal.Commitment, "period_end": reveal.PeriodEnd})
		return
	}
	reveal.Seed = seed
	s.writeJSON(w, http.StatusOK, reveal)
}
