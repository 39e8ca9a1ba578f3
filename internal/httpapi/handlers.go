package httpapi

import (
	"errors"
	"net/http"
	"time"

	"tontine/internal/core"
	"tontine/internal/export"
	"tontine/internal/log"
)

type memberJSON struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Active    bool      `json:"active"`
	JoinedAt  time.Time `json:"joined_at"`
}

type cycleJSON struct {
	ID                string    `json:"id"`
	ContributionCents int64     `json:"contribution_cents"`
	Duration          int       `json:"duration"`
	StartDate         string    `json:"start_date"`
	Participants      []string  `json:"participants"`
	Rotation          []string  `json:"rotation"`
	Period            int       `json:"period"`
	Closed            bool      `json:"closed"`
	CreatedAt         time.Time `json:"created_at"`
}

type transactionJSON struct {
	ID           string    `json:"id"`
	MemberID     string    `json:"member_id"`
	CycleID      string    `json:"cycle_id"`
	Period       int       `json:"period"`
	AmountCents  int64     `json:"amount_cents"`
	Kind         string    `json:"kind"`
	PenaltyCents int64     `json:"penalty_cents,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type standingJSON struct {
	MemberID   string `json:"member_id"`
	Status     string `json:"status"`
	PaidCents  int64  `json:"paid_cents"`
	OwingCents int64  `json:"owing_cents"`
}

type summaryJSON struct {
	CycleID             string         `json:"cycle_id"`
	Period              int            `json:"period"`
	Duration            int            `json:"duration"`
	Closed              bool           `json:"closed"`
	Recipient           string         `json:"recipient"`
	ExpectedCents       int64          `json:"expected_cents"`
	CollectedCents      int64          `json:"collected_cents"`
	TotalPenaltiesCents int64          `json:"total_penalties_cents"`
	Standings           []standingJSON `json:"standings"`
}

type assessmentJSON struct {
	MemberID       string `json:"member_id"`
	Period         int    `json:"period"`
	PaidCents      int64  `json:"paid_cents"`
	ShortfallCents int64  `json:"shortfall_cents"`
	PenaltyCents   int64  `json:"penalty_cents"`
	Late           bool   `json:"late"`
}

func toMemberJSON(m core.Member) memberJSON {
	return memberJSON{
		ID:        m.ID,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Email:     m.Email,
		Phone:     m.Phone,
		Active:    m.Active,
		JoinedAt:  m.JoinedAt,
	}
}

func toCycleJSON(c core.Cycle) cycleJSON {
	return cycleJSON{
		ID:                c.ID,
		ContributionCents: c.Contribution.Cents,
		Duration:          c.Duration,
		StartDate:         c.StartDate.String(),
		Participants:      c.Participants,
		Rotation:          c.Rotation,
		Period:            c.Period,
		Closed:            c.Closed,
		CreatedAt:         c.CreatedAt,
	}
}

func toTransactionJSON(t core.Transaction) transactionJSON {
	return transactionJSON{
		ID:           t.ID,
		MemberID:     t.MemberID,
		CycleID:      t.CycleID,
		Period:       t.Period,
		AmountCents:  t.Amount.Cents,
		Kind:         string(t.Kind),
		PenaltyCents: t.Penalty.Cents,
		Timestamp:    t.Timestamp,
	}
}

func toTransactionsJSON(txs []core.Transaction) []transactionJSON {
	out := make([]transactionJSON, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionJSON(t))
	}
	return out
}

func toSummaryJSON(s core.CycleSummary) summaryJSON {
	out := summaryJSON{
		CycleID:             s.CycleID,
		Period:              s.Period,
		Duration:            s.Duration,
		Closed:              s.Closed,
		Recipient:           s.Recipient,
		ExpectedCents:       s.Expected.Cents,
		CollectedCents:      s.Collected.Cents,
		TotalPenaltiesCents: s.TotalPenalties.Cents,
		Standings:           make([]standingJSON, 0, len(s.Standings)),
	}
	for _, st := range s.Standings {
		out.Standings = append(out.Standings, standingJSON{
			MemberID:   st.MemberID,
			Status:     string(st.Status),
			PaidCents:  st.Paid.Cents,
			OwingCents: st.Owing.Cents,
		})
	}
	return out
}

// Members

type registerMemberRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req registerMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	member, err := s.members.Register(r.Context(),
		sanitizeInput(req.FirstName),
		sanitizeInput(req.LastName),
		sanitizeInput(req.Email),
		sanitizeInput(req.Phone))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMemberJSON(member))
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.members.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]memberJSON, 0, len(members))
	for _, m := range members {
		out = append(out, toMemberJSON(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	member, err := s.members.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberJSON(member))
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetMemberActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	member, err := s.members.SetActive(r.Context(), r.PathValue("id"), req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberJSON(member))
}

type balanceJSON struct {
	MemberID     string `json:"member_id"`
	BalanceCents int64  `json:"balance_cents"`
}

func (s *Server) handleMemberBalance(w http.ResponseWriter, r *http.Request) {
	memberID := r.PathValue("id")
	if _, err := s.members.Get(r.Context(), memberID); err != nil {
		writeError(w, err)
		return
	}

	var balance core.Money
	var err error
	if r.URL.Query().Get("derived") == "true" {
		balance, err = s.ledger.BalanceOf(r.Context(), memberID)
	} else {
		balance, err = s.ledger.CachedBalanceOf(r.Context(), memberID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceJSON{MemberID: memberID, BalanceCents: balance.Cents})
}

func (s *Server) handleMemberTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.HistoryByMember(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionsJSON(txs))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Reconcile(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, core.ErrBalanceDrift) {
			// Drift means the ledger is corrupt, not that the request was bad.
			s.httpLog.LogError(r.Context(), "Balance drift detected", err,
				log.ComponentLedger, log.OpValidate, log.NewFields())
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, found := s.balancesCache.Get(balancesCacheKey)
	if !found {
		var err error
		balances, err = s.ledger.CachedBalances(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		s.balancesCache.Set(balancesCacheKey, balances)
	}

	out := make([]balanceJSON, 0, len(balances))
	for memberID, balance := range balances {
		out = append(out, balanceJSON{MemberID: memberID, BalanceCents: balance.Cents})
	}
	writeJSON(w, http.StatusOK, out)
}

// Cycles

type createCycleRequest struct {
	Amount       string   `json:"amount"`
	Duration     int      `json:"duration"`
	StartDate    string   `json:"start_date"`
	Participants []string `json:"participants"`
}

func (s *Server) handleCreateCycle(w http.ResponseWriter, r *http.Request) {
	var req createCycleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	start := core.Date{Time: time.Now().UTC().Truncate(24 * time.Hour)}
	if req.StartDate != "" {
		start, err = core.ParseDate(req.StartDate)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
			return
		}
	}

	cycle, err := s.cycles.Create(r.Context(), amount, req.Duration, start, req.Participants)
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCycle(cycle.ID)
	writeJSON(w, http.StatusCreated, toCycleJSON(cycle))
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := s.cycles.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]cycleJSON, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, toCycleJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActiveCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.cycles.Open(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleJSON(cycle))
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.cycles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleJSON(cycle))
}

func (s *Server) handleCycleSummary(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")

	if summary, found := s.summaryCache.Get(cycleID); found {
		writeJSON(w, http.StatusOK, toSummaryJSON(summary))
		return
	}

	summary, err := s.cycles.Summary(r.Context(), cycleID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.summaryCache.Set(cycleID, summary)
	writeJSON(w, http.StatusOK, toSummaryJSON(summary))
}

func (s *Server) handleCycleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.HistoryByCycle(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionsJSON(txs))
}

type advanceResponse struct {
	Cycle       cycleJSON        `json:"cycle"`
	Assessments []assessmentJSON `json:"assessments"`
}

func (s *Server) handleAdvanceCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")

	cycle, assessments, err := s.cycles.AdvancePeriod(r.Context(), cycleID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCycle(cycleID)

	resp := advanceResponse{
		Cycle:       toCycleJSON(cycle),
		Assessments: make([]assessmentJSON, 0, len(assessments)),
	}
	for _, a := range assessments {
		resp.Assessments = append(resp.Assessments, assessmentJSON{
			MemberID:       a.MemberID,
			Period:         a.Period,
			PaidCents:      a.Paid.Cents,
			ShortfallCents: a.Shortfall.Cents,
			PenaltyCents:   a.Penalty.Cents,
			Late:           a.Late,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCloseCycle(w http.ResponseWriter, r *http.Request) {
	cycleID := r.PathValue("id")

	cycle, err := s.cycles.Close(r.Context(), cycleID)
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCycle(cycleID)
	writeJSON(w, http.StatusOK, toCycleJSON(cycle))
}

// Ledger

type contributionRequest struct {
	CycleID  string `json:"cycle_id"`
	MemberID string `json:"member_id"`
	Period   *int   `json:"period"`
	Amount   string `json:"amount"`
}

func (s *Server) handleRecordContribution(w http.ResponseWriter, r *http.Request) {
	var req contributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	cycle, err := s.resolveCycle(r, req.CycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	period := cycle.Period
	if req.Period != nil {
		period = *req.Period
	}

	txIDs, err := s.ledger.RecordContribution(r.Context(), cycle.ID, req.MemberID, period, amount, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCycle(cycle.ID)
	s.publishLedgerEvent(r.Context(), txIDs)

	writeJSON(w, http.StatusCreated, map[string][]string{"transaction_ids": txIDs})
}

type distributionRequest struct {
	CycleID  string `json:"cycle_id"`
	MemberID string `json:"member_id"`
	Period   *int   `json:"period"`
	Amount   string `json:"amount"`
}

func (s *Server) handleRecordDistribution(w http.ResponseWriter, r *http.Request) {
	var req distributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	cycle, err := s.resolveCycle(r, req.CycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	period := cycle.Period
	if req.Period != nil {
		period = *req.Period
	}

	txID, err := s.ledger.RecordDistribution(r.Context(), cycle.ID, period, req.MemberID, amount, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	s.invalidateCycle(cycle.ID)
	s.publishLedgerEvent(r.Context(), []string{txID})

	writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID})
}

// resolveCycle returns the named cycle, or the open one when cycleID is empty.
func (s *Server) resolveCycle(r *http.Request, cycleID string) (core.Cycle, error) {
	if cycleID == "" {
		return s.cycles.Open(r.Context())
	}
	return s.cycles.Get(r.Context(), cycleID)
}

// Export

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.Transactions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	members, err := s.members.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = m.FirstName + " " + m.LastName
	}

	rows := make([]export.Row, 0, len(txs))
	for _, t := range txs {
		name := names[t.MemberID]
		if name == "" {
			name = t.MemberID
		}
		rows = append(rows, export.Row{
			TransactionID: t.ID,
			MemberID:      t.MemberID,
			MemberName:    name,
			CycleID:       t.CycleID,
			Period:        t.Period,
			Kind:          string(t.Kind),
			AmountCents:   t.Amount.Cents,
			PenaltyCents:  t.Penalty.Cents,
			Timestamp:     t.Timestamp,
		})
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	if err := export.WriteCSV(w, rows); err != nil {
		s.httpLog.LogError(r.Context(), "CSV export failed", err,
			log.ComponentExport, log.OpExport, log.NewFields())
	}
}
