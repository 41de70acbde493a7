package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/keylock"
	"github.com/dvloznov/teamledger/internal/store"
)

// matchable are the transaction statuses an inbox item may be linked to.
var matchable = []domain.TransactionStatus{domain.TxPending, domain.TxPosted, domain.TxCompleted}

// candidate is a transaction inside the window and amount tolerance.
// subject is the item as the scorer sees it: for cross-currency candidates
// its amount and currency are the converted base values.
type candidate struct {
	tx        *domain.Transaction
	subject   *domain.Inbox
	daysApart int
	cross     bool
}

type scored struct {
	candidate
	score float64
}

// Process advances a new or pending item through extraction and analysis.
// Items already past analysis are returned unchanged. Concurrent calls for
// the same item share one run.
func (e *Engine) Process(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	if err := domain.RequireTeam("Process", teamID); err != nil {
		return nil, err
	}
	return e.shared(ctx, teamID, id, func(ctx context.Context) (*domain.Inbox, error) {
		return e.process(ctx, teamID, id)
	})
}

// Reanalyze recomputes the suggestions of an item in suggested_match or
// no_match, replacing the previous pending ones. If the analysis fails the
// item returns to its previous status with its suggestions untouched.
func (e *Engine) Reanalyze(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	const op = "Reanalyze"
	if err := domain.RequireTeam(op, teamID); err != nil {
		return nil, err
	}
	return e.shared(ctx, teamID, id, func(ctx context.Context) (*domain.Inbox, error) {
		item, err := e.store.GetInbox(ctx, teamID, id)
		if err != nil {
			return nil, err
		}
		if item.Status != domain.InboxSuggestedMatch && item.Status != domain.InboxNoMatch {
			return nil, domain.Conflictf(op, "inbox item %s is %s", id, item.Status)
		}
		next := item.Clone()
		next.Status = domain.InboxAnalyzing
		next.UpdatedAt = e.clock()
		if err := e.store.UpdateInbox(ctx, next, item.Status); err != nil {
			return nil, fmt.Errorf("Reanalyze: %w", err)
		}
		result, err := e.analyze(ctx, next)
		if err != nil {
			e.restore(ctx, item)
			return nil, err
		}
		return result, nil
	})
}

// shared runs fn once per item for all concurrent callers. The run is
// detached from any single caller and bounded by the analysis timeout; a
// caller whose ctx ends stops waiting without failing the others.
func (e *Engine) shared(ctx context.Context, teamID domain.TeamID, id string, fn func(ctx context.Context) (*domain.Inbox, error)) (*domain.Inbox, error) {
	runCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(keylock.Key(string(teamID), id), func() (any, error) {
		ctx, cancel := context.WithTimeout(runCtx, e.policy.AnalysisTimeout)
		defer cancel()
		return fn(ctx)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*domain.Inbox).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// restore puts an item left in analyzing by a failed re-analysis back to
// its previous status. Its pending suggestions were never touched.
func (e *Engine) restore(ctx context.Context, previous *domain.Inbox) {
	log := e.log.With().Str("team_id", string(previous.TeamID)).Str("inbox_id", previous.ID).Logger()
	back := previous.Clone()
	back.UpdatedAt = e.clock()
	if err := e.store.UpdateInbox(context.WithoutCancel(ctx), back, domain.InboxAnalyzing); err != nil {
		if domain.IsConflict(err) {
			// Someone resolved or re-analyzed the item meanwhile.
			return
		}
		log.Error().Err(err).Msg("Failed to restore inbox item after failed analysis")
		return
	}
	log.Warn().Str("status", string(back.Status)).Msg("Analysis failed, inbox item restored")
}

func (e *Engine) process(ctx context.Context, teamID domain.TeamID, id string) (*domain.Inbox, error) {
	item, err := e.store.GetInbox(ctx, teamID, id)
	if err != nil {
		return nil, err
	}

	if item.Status == domain.InboxNew || item.Status == domain.InboxPending {
		if item, err = e.advance(ctx, item, domain.InboxProcessing); err != nil {
			return nil, err
		}
	}
	if item.Status == domain.InboxProcessing {
		next, err := e.extract(ctx, item)
		if err != nil {
			return nil, err
		}
		if item, err = e.advance(ctx, next, domain.InboxAnalyzing); err != nil {
			return nil, err
		}
	}
	if item.Status != domain.InboxAnalyzing {
		return item, nil
	}
	return e.analyze(ctx, item)
}

// advance stores item with status to. If the stored status moved meanwhile,
// the stored item is returned instead and the caller re-dispatches on it.
func (e *Engine) advance(ctx context.Context, item *domain.Inbox, to domain.InboxStatus) (*domain.Inbox, error) {
	stored, err := e.store.GetInbox(ctx, item.TeamID, item.ID)
	if err != nil {
		return nil, err
	}
	if !stored.Status.CanTransition(to) {
		return stored, nil
	}
	next := item.Clone()
	next.Status = to
	next.UpdatedAt = e.clock()
	if err := e.store.UpdateInbox(ctx, next, stored.Status); err != nil {
		if domain.IsConflict(err) {
			return e.store.GetInbox(ctx, item.TeamID, item.ID)
		}
		return nil, fmt.Errorf("advance: %w", err)
	}
	return next, nil
}

// extract fills missing matching fields from the extraction collaborator.
func (e *Engine) extract(ctx context.Context, item *domain.Inbox) (*domain.Inbox, error) {
	next := item.Clone()
	if item.Extracted() || e.extractor == nil {
		return next, nil
	}
	attachments, err := e.store.ListAttachments(ctx, item.TeamID, item.ID)
	if err != nil {
		return nil, fmt.Errorf("extract: listing attachments: %w", err)
	}
	ex, err := e.extractor.Extract(ctx, item.Clone(), attachments)
	if err != nil {
		if domain.IsDependency(err) {
			return nil, err
		}
		return nil, domain.Dependency("extract", "content extractor", err)
	}

	if next.DisplayName == "" {
		next.DisplayName = ex.DisplayName
	}
	if ex.Type != "" {
		next.Type = ex.Type
	}
	if !next.Amount.Valid && ex.Amount.Valid {
		next.Amount = ex.Amount
	}
	if next.Currency == "" && ex.Currency != "" {
		if ccy, err := domain.ParseCurrency("extract", ex.Currency); err == nil {
			next.Currency = ccy
		} else {
			e.log.Warn().Err(err).Str("inbox_id", item.ID).Msg("Extractor returned an unsupported currency")
		}
	}
	if next.Date.IsZero() && !ex.Date.IsZero() {
		next.Date = domain.DateOnly(ex.Date)
	}
	return next, nil
}

// analyze scores candidates for an analyzing item and commits the outcome.
// If the item left analyzing meanwhile, the result is dropped silently.
func (e *Engine) analyze(ctx context.Context, item *domain.Inbox) (*domain.Inbox, error) {
	log := e.log.With().Str("team_id", string(item.TeamID)).Str("inbox_id", item.ID).Logger()

	team, err := e.store.GetTeam(ctx, item.TeamID)
	if err != nil {
		return nil, err
	}
	cands, err := e.candidates(ctx, team, item)
	if err != nil {
		return nil, err
	}
	ranked := e.score(ctx, item, cands)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	rank(ranked)

	next, suggestions := e.decide(item, ranked, true)
	err = e.store.CommitAnalysis(ctx, next, suggestions)
	if err != nil && domain.IsConflict(err) {
		current, getErr := e.store.GetInbox(ctx, item.TeamID, item.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != domain.InboxAnalyzing {
			log.Info().Str("status", string(current.Status)).Msg("Inbox item changed during analysis, dropping result")
			return current, nil
		}
		if next.Status != domain.InboxDone {
			return nil, fmt.Errorf("analyze: committing: %w", err)
		}
		// The best transaction was linked elsewhere meanwhile; review the rest.
		log.Info().Str("transaction_id", next.TransactionID).Msg("Auto-match target already linked, downgrading to review")
		ranked = ranked[1:]
		next, suggestions = e.decide(item, ranked, false)
		err = e.store.CommitAnalysis(ctx, next, suggestions)
	}
	if err != nil {
		if domain.IsConflict(err) {
			if current, getErr := e.store.GetInbox(ctx, item.TeamID, item.ID); getErr == nil && current.Status != domain.InboxAnalyzing {
				return current, nil
			}
		}
		return nil, fmt.Errorf("analyze: committing: %w", err)
	}

	log.Info().
		Str("status", string(next.Status)).
		Int("candidates", len(cands)).
		Int("scored", len(ranked)).
		Int("suggestions", len(suggestions)).
		Msg("Inbox item analyzed")
	e.emitOutcome(ctx, next, ranked, suggestions)
	return next, nil
}

// decide turns ranked candidates into the item's next state and suggestions.
func (e *Engine) decide(item *domain.Inbox, ranked []scored, allowAuto bool) (*domain.Inbox, []*domain.MatchSuggestion) {
	now := e.clock()
	next := item.Clone()
	next.UpdatedAt = now
	next.TransactionID = ""

	if allowAuto && len(ranked) > 0 && ranked[0].score > e.policy.AutoThreshold {
		best := ranked[0]
		next.Status = domain.InboxDone
		next.TransactionID = best.tx.ID
		return next, []*domain.MatchSuggestion{e.suggestion(next, best, 1, domain.SuggestionConfirmed, now)}
	}

	var suggestions []*domain.MatchSuggestion
	for _, s := range ranked {
		if s.score <= e.policy.ReviewThreshold || len(suggestions) == e.policy.MaxSuggestions {
			break
		}
		suggestions = append(suggestions, e.suggestion(next, s, len(suggestions)+1, domain.SuggestionPending, now))
	}
	if len(suggestions) > 0 {
		next.Status = domain.InboxSuggestedMatch
	} else {
		next.Status = domain.InboxNoMatch
	}
	return next, suggestions
}

func (e *Engine) suggestion(item *domain.Inbox, s scored, rank int, status domain.SuggestionStatus, now time.Time) *domain.MatchSuggestion {
	return &domain.MatchSuggestion{
		ID:            e.ids.NewID(),
		TeamID:        item.TeamID,
		InboxID:       item.ID,
		TransactionID: s.tx.ID,
		Score:         s.score,
		Rank:          rank,
		DaysApart:     s.daysApart,
		CrossCurrency: s.cross,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (e *Engine) emitOutcome(ctx context.Context, item *domain.Inbox, ranked []scored, suggestions []*domain.MatchSuggestion) {
	meta := inboxMetadata(item)
	switch item.Status {
	case domain.InboxDone:
		best := ranked[0]
		meta["score"] = best.score
		meta["days_apart"] = best.daysApart
		typ := domain.ActivityInboxAutoMatched
		if best.cross {
			typ = domain.ActivityInboxCrossCurrencyMatched
		}
		e.record(ctx, item.TeamID, typ, domain.ActivitySourceSystem, meta)
	case domain.InboxSuggestedMatch:
		meta["suggestions"] = len(suggestions)
		meta["best_score"] = suggestions[0].Score
		e.record(ctx, item.TeamID, domain.ActivityInboxNeedsReview, domain.ActivitySourceSystem, meta)
	}
}

// candidates returns the transactions within the date window and amount
// tolerance that are not already linked and not declined for this item.
func (e *Engine) candidates(ctx context.Context, team *domain.Team, item *domain.Inbox) ([]candidate, error) {
	if !item.Extracted() {
		return nil, nil
	}
	window := time.Duration(e.policy.WindowDays) * 24 * time.Hour
	date := domain.DateOnly(item.Date)
	txs, err := e.store.ListTransactions(ctx, item.TeamID, store.TransactionFilter{
		From:     date.Add(-window),
		To:       date.Add(window),
		Statuses: matchable,
	})
	if err != nil {
		return nil, fmt.Errorf("candidates: listing transactions: %w", err)
	}

	declined, err := e.declined(ctx, item)
	if err != nil {
		return nil, err
	}

	target := item.Amount.Decimal.Abs()
	tolerance := decimal.NewFromFloat(e.policy.Tolerance)
	base := baseAmount{engine: e, team: team, item: item}

	var out []candidate
	for _, tx := range txs {
		if declined[tx.ID] {
			continue
		}
		c := candidate{tx: tx, subject: item, daysApart: daysBetween(date, tx.Date)}

		switch {
		case tx.Currency == item.Currency:
			if !within(tx.Amount.Abs(), target, tolerance) {
				continue
			}
		case tx.BaseAmount.Valid && tx.BaseCurrency == team.BaseCurrency:
			baseTarget, widened, ok := base.get(ctx)
			if !ok || !within(tx.BaseAmount.Decimal.Abs(), baseTarget, widened) {
				continue
			}
			c.cross = true
			c.subject = base.subject()
		default:
			continue
		}

		if ok, err := e.rule.Allows(item, c); err != nil {
			e.log.Warn().Err(err).Str("inbox_id", item.ID).Str("transaction_id", tx.ID).Msg("Match rule failed")
			continue
		} else if !ok {
			continue
		}

		linked, err := e.store.ListInbox(ctx, item.TeamID, store.InboxFilter{
			Statuses:      []domain.InboxStatus{domain.InboxDone},
			TransactionID: tx.ID,
			Limit:         1,
		})
		if err != nil {
			return nil, fmt.Errorf("candidates: checking links: %w", err)
		}
		if len(linked) > 0 {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) declined(ctx context.Context, item *domain.Inbox) (map[string]bool, error) {
	previous, err := e.store.ListSuggestions(ctx, item.TeamID, item.ID)
	if err != nil {
		return nil, fmt.Errorf("candidates: listing suggestions: %w", err)
	}
	declined := make(map[string]bool)
	for _, s := range previous {
		if s.Status == domain.SuggestionDeclined {
			declined[s.TransactionID] = true
		}
	}
	return declined, nil
}

// baseAmount converts the item amount into the team base currency once, on
// first use, and widens the tolerance by the rate's staleness.
type baseAmount struct {
	engine *Engine
	team   *domain.Team
	item   *domain.Inbox

	done      bool
	ok        bool
	amount    decimal.Decimal
	tolerance decimal.Decimal
	converted *domain.Inbox
}

func (b *baseAmount) get(ctx context.Context) (decimal.Decimal, decimal.Decimal, bool) {
	if b.done {
		return b.amount, b.tolerance, b.ok
	}
	b.done = true

	p := b.engine.policy
	conv, err := b.engine.fx.Convert(ctx, b.item.Amount.Decimal.Abs(), b.item.Currency, b.team.BaseCurrency, b.item.Date)
	if err != nil {
		b.engine.log.Warn().Err(err).
			Str("inbox_id", b.item.ID).
			Str("currency", b.item.Currency).
			Msg("Exchange rate unavailable, skipping cross-currency candidates")
		return b.amount, b.tolerance, false
	}
	tol := math.Min(p.Tolerance+p.StalenessPerDay*float64(conv.StalenessDays(b.item.Date)), p.MaxTolerance)
	b.ok, b.amount, b.tolerance = true, conv.Amount, decimal.NewFromFloat(tol)

	b.converted = b.item.Clone()
	amount := conv.Amount
	if b.item.Amount.Decimal.IsNegative() {
		amount = amount.Neg()
	}
	b.converted.Amount = decimal.NewNullDecimal(amount)
	b.converted.Currency = b.team.BaseCurrency
	return b.amount, b.tolerance, true
}

// subject is the item expressed in the base currency. Valid only after a
// successful get.
func (b *baseAmount) subject() *domain.Inbox {
	return b.converted
}

// score asks the similarity provider about every candidate with bounded
// concurrency, comparing each in like units. Candidates whose call fails or
// times out are left out.
func (e *Engine) score(ctx context.Context, item *domain.Inbox, cands []candidate) []scored {
	results := make([]*scored, len(cands))
	var g errgroup.Group
	g.SetLimit(e.policy.ScoreConcurrency)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			s, err := e.scoreOne(ctx, c.subject, c.tx)
			if err != nil {
				e.log.Warn().Err(err).
					Str("inbox_id", item.ID).
					Str("transaction_id", c.tx.ID).
					Msg("Candidate left unscored")
				return nil
			}
			results[i] = &scored{candidate: c, score: s}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]scored, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// scoreOne bounds a single provider call by the score timeout even when the
// provider ignores its context.
func (e *Engine) scoreOne(ctx context.Context, item *domain.Inbox, tx *domain.Transaction) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.policy.ScoreTimeout)
	defer cancel()

	type result struct {
		score float64
		err   error
	}
	ch := make(chan result, 1)
	go func(item *domain.Inbox, tx *domain.Transaction) {
		s, err := e.scorer.Score(ctx, item, tx)
		ch <- result{s, err}
	}(item.Clone(), tx.Clone())

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, domain.Dependency("Score", "similarity provider", r.err)
		}
		if math.IsNaN(r.score) || r.score < 0 || r.score > 1 {
			return 0, domain.Dependency("Score", "similarity provider", fmt.Errorf("score %v out of range", r.score))
		}
		return r.score, nil
	case <-ctx.Done():
		return 0, domain.Dependency("Score", "similarity provider", ctx.Err())
	}
}

// rank orders by score descending, then nearest date, then most recent
// transaction id.
func rank(s []scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		if s[i].daysApart != s[j].daysApart {
			return s[i].daysApart < s[j].daysApart
		}
		return s[i].tx.ID > s[j].tx.ID
	})
}

// within reports whether |a-b| <= tol*b.
func within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(b.Mul(tol))
}

func daysBetween(a, b time.Time) int {
	d := domain.DateOnly(a).Sub(domain.DateOnly(b))
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}
