package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tontine/internal/core"
	"tontine/internal/services"
	"tontine/internal/storage"
	"tontine/internal/storage/memory"
)

type capturedEvents struct {
	published [][]string
}

func (c *capturedEvents) PublishLedgerEvent(_ context.Context, txIDs []string) error {
	c.published = append(c.published, txIDs)
	return nil
}

func newTestServer(t *testing.T) (*Server, *capturedEvents) {
	t.Helper()
	store := memory.New()
	events := &capturedEvents{}
	srv := NewServer("127.0.0.1:0",
		store,
		services.NewMemberRegistry(store),
		services.NewCycleManager(store, services.NewRotationScheduler(rand.NewSource(1))),
		services.NewLedger(store),
		events)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	return srv, events
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func registerMembers(t *testing.T, srv *Server, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		body := fmt.Sprintf(`{"first_name":"Member","last_name":"Number%d","email":"m%d@example.com","phone":"+22177123456%d"}`, i, i, i)
		rec := doJSON(t, srv, http.MethodPost, "/members", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /members = %d: %s", rec.Code, rec.Body.String())
		}
	}
}

func createCycle(t *testing.T, srv *Server, duration int, participants ...string) cycleJSON {
	t.Helper()
	body := fmt.Sprintf(`{"amount":"100.00","duration":%d,"start_date":"2025-06-01","participants":["%s"]}`,
		duration, strings.Join(participants, `","`))
	rec := doJSON(t, srv, http.MethodPost, "/cycles", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /cycles = %d: %s", rec.Code, rec.Body.String())
	}
	var cycle cycleJSON
	decodeBody(t, rec, &cycle)
	return cycle
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := doJSON(t, srv, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestMemberEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	registerMembers(t, srv, 2)

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/members/M001", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /members/M001 = %d", rec.Code)
		}
		var m memberJSON
		decodeBody(t, rec, &m)
		if m.ID != "M001" || !m.Active {
			t.Errorf("member = %+v, want active M001", m)
		}
	})

	t.Run("unknown member is 404", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodGet, "/members/M099", ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET /members/M099 = %d, want 404", rec.Code)
		}
	})

	t.Run("unknown member balance is 404", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodGet, "/members/M099/balance", ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET /members/M099/balance = %d, want 404", rec.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/members", "")
		var members []memberJSON
		decodeBody(t, rec, &members)
		if len(members) != 2 {
			t.Errorf("GET /members = %d members, want 2", len(members))
		}
	})

	t.Run("deactivate", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPut, "/members/M002/active", `{"active":false}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("PUT /members/M002/active = %d", rec.Code)
		}
		var m memberJSON
		decodeBody(t, rec, &m)
		if m.Active {
			t.Error("member still active after deactivation")
		}
	})

	t.Run("invalid email is 422", func(t *testing.T) {
		body := `{"first_name":"Awa","last_name":"Diallo","email":"nope","phone":"+221771234567"}`
		if rec := doJSON(t, srv, http.MethodPost, "/members", body); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("POST /members = %d, want 422", rec.Code)
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodPost, "/members", `{"first_name":`); rec.Code != http.StatusBadRequest {
			t.Errorf("POST /members = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown field is 400", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodPost, "/members", `{"nickname":"A"}`); rec.Code != http.StatusBadRequest {
			t.Errorf("POST /members = %d, want 400", rec.Code)
		}
	})
}

func TestContributionFlow(t *testing.T) {
	srv, events := newTestServer(t)
	registerMembers(t, srv, 3)
	cycle := createCycle(t, srv, 3, "M001", "M002", "M003")

	t.Run("full contribution", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			`{"cycle_id":"C001","member_id":"M001","amount":"100.00"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /contributions = %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string][]string
		decodeBody(t, rec, &resp)
		if len(resp["transaction_ids"]) != 1 {
			t.Errorf("transaction_ids = %v, want one", resp["transaction_ids"])
		}
		if len(events.published) != 1 {
			t.Errorf("published %d events, want 1", len(events.published))
		}
	})

	t.Run("partial contribution carries a penalty", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			`{"cycle_id":"C001","member_id":"M002","amount":"40,00"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /contributions = %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string][]string
		decodeBody(t, rec, &resp)
		if len(resp["transaction_ids"]) != 2 {
			t.Errorf("transaction_ids = %v, want contribution and penalty", resp["transaction_ids"])
		}
	})

	t.Run("duplicate contribution is 409", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			`{"cycle_id":"C001","member_id":"M001","amount":"100.00"}`)
		if rec.Code != http.StatusConflict {
			t.Errorf("POST /contributions = %d, want 409", rec.Code)
		}
	})

	t.Run("invalid amount is 422", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			`{"cycle_id":"C001","member_id":"M003","amount":"-5"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("POST /contributions = %d, want 422", rec.Code)
		}
	})

	t.Run("omitted cycle targets the open one", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			`{"member_id":"M003","amount":"100.00"}`)
		if rec.Code != http.StatusCreated {
			t.Errorf("POST /contributions = %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("summary reflects the payments", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/cycles/C001/summary", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /cycles/C001/summary = %d", rec.Code)
		}
		var summary summaryJSON
		decodeBody(t, rec, &summary)
		if summary.CollectedCents != 24000 {
			t.Errorf("collected = %d cents, want 24000", summary.CollectedCents)
		}
		if summary.ExpectedCents != 30000 {
			t.Errorf("expected = %d cents, want 30000", summary.ExpectedCents)
		}
		if summary.TotalPenaltiesCents != 600 {
			t.Errorf("penalties = %d cents, want 600", summary.TotalPenaltiesCents)
		}
		if summary.Recipient != cycle.Rotation[0] {
			t.Errorf("recipient = %s, want %s", summary.Recipient, cycle.Rotation[0])
		}
	})

	t.Run("balances", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/members/M002/balance", "")
		var b balanceJSON
		decodeBody(t, rec, &b)
		if b.BalanceCents != -6600 {
			t.Errorf("cached balance = %d cents, want -6600", b.BalanceCents)
		}

		rec = doJSON(t, srv, http.MethodGet, "/members/M002/balance?derived=true", "")
		decodeBody(t, rec, &b)
		if b.BalanceCents != -6600 {
			t.Errorf("derived balance = %d cents, want -6600", b.BalanceCents)
		}

		rec = doJSON(t, srv, http.MethodGet, "/balances", "")
		var all []balanceJSON
		decodeBody(t, rec, &all)
		if len(all) != 3 {
			t.Errorf("GET /balances = %d entries, want 3", len(all))
		}
	})

	t.Run("reconcile", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodPost, "/members/M002/reconcile", ""); rec.Code != http.StatusNoContent {
			t.Errorf("POST /members/M002/reconcile = %d, want 204", rec.Code)
		}
	})

	t.Run("distribution to the recipient", func(t *testing.T) {
		body := fmt.Sprintf(`{"cycle_id":"C001","member_id":"%s","amount":"300.00"}`, cycle.Rotation[0])
		rec := doJSON(t, srv, http.MethodPost, "/distributions", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /distributions = %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["transaction_id"] == "" {
			t.Error("response missing transaction_id")
		}
	})

	t.Run("distribution to anyone else is 422", func(t *testing.T) {
		// The rotation has three members; the next in line is not the
		// period 0 recipient.
		body := fmt.Sprintf(`{"cycle_id":"C001","member_id":"%s","amount":"300.00"}`, cycle.Rotation[1])
		rec := doJSON(t, srv, http.MethodPost, "/distributions", body)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("POST /distributions = %d, want 422", rec.Code)
		}
	})

	t.Run("cycle transactions", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/cycles/C001/transactions", "")
		var txs []transactionJSON
		decodeBody(t, rec, &txs)
		// Three contributions, one penalty, one distribution.
		if len(txs) != 5 {
			t.Errorf("GET /cycles/C001/transactions = %d, want 5", len(txs))
		}
	})

	t.Run("member transactions", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/members/M002/transactions", "")
		var txs []transactionJSON
		decodeBody(t, rec, &txs)
		if len(txs) < 2 {
			t.Errorf("GET /members/M002/transactions = %d, want at least the contribution and penalty", len(txs))
		}
	})

	t.Run("csv export", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/export/ledger.csv", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /export/ledger.csv = %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("Content-Type = %q, want text/csv", ct)
		}
		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		// Header plus three contributions, one penalty, one distribution.
		if len(lines) != 6 {
			t.Errorf("export has %d lines, want 6:\n%s", len(lines), rec.Body.String())
		}
	})
}

func TestReconcileBalanceDrift(t *testing.T) {
	store := memory.New()
	srv := NewServer("127.0.0.1:0",
		store,
		services.NewMemberRegistry(store),
		services.NewCycleManager(store, services.NewRotationScheduler(rand.NewSource(1))),
		services.NewLedger(store),
		&capturedEvents{})
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})

	registerMembers(t, srv, 3)
	createCycle(t, srv, 3, "M001", "M002", "M003")

	if rec := doJSON(t, srv, http.MethodPost, "/members/M001/reconcile", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("POST /members/M001/reconcile = %d, want 204", rec.Code)
	}

	// Corrupt the cached balance behind the ledger's back.
	update := storage.LedgerUpdate{Balances: map[string]core.Money{"M001": {Cents: 12345}}}
	if _, err := store.CommitLedger(context.Background(), update); err != nil {
		t.Fatalf("CommitLedger() error = %v", err)
	}

	if rec := doJSON(t, srv, http.MethodPost, "/members/M001/reconcile", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("POST /members/M001/reconcile with drift = %d, want 500", rec.Code)
	}
}

func TestCycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	registerMembers(t, srv, 2)

	t.Run("no open cycle is 404", func(t *testing.T) {
		if rec := doJSON(t, srv, http.MethodGet, "/cycles/active", ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET /cycles/active = %d, want 404", rec.Code)
		}
	})

	cycle := createCycle(t, srv, 2, "M001", "M002")

	t.Run("second cycle is 409", func(t *testing.T) {
		body := `{"amount":"100.00","duration":2,"participants":["M001","M002"]}`
		if rec := doJSON(t, srv, http.MethodPost, "/cycles", body); rec.Code != http.StatusConflict {
			t.Errorf("POST /cycles = %d, want 409", rec.Code)
		}
	})

	t.Run("active cycle", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/cycles/active", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /cycles/active = %d", rec.Code)
		}
		var c cycleJSON
		decodeBody(t, rec, &c)
		if c.ID != cycle.ID {
			t.Errorf("active cycle = %s, want %s", c.ID, cycle.ID)
		}
	})

	t.Run("advance assesses missing payments", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/cycles/"+cycle.ID+"/advance", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST advance = %d: %s", rec.Code, rec.Body.String())
		}
		var resp advanceResponse
		decodeBody(t, rec, &resp)
		if resp.Cycle.Period != 1 {
			t.Errorf("period = %d, want 1", resp.Cycle.Period)
		}
		if len(resp.Assessments) != 2 {
			t.Fatalf("got %d assessments, want 2", len(resp.Assessments))
		}
		for _, a := range resp.Assessments {
			if !a.Late || a.PenaltyCents != 1000 {
				t.Errorf("assessment = %+v, want late with 1000 cents penalty", a)
			}
		}
	})

	t.Run("close", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/cycles/"+cycle.ID+"/close", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST close = %d: %s", rec.Code, rec.Body.String())
		}
		var c cycleJSON
		decodeBody(t, rec, &c)
		if !c.Closed {
			t.Error("cycle still open after close")
		}

		if rec := doJSON(t, srv, http.MethodPost, "/cycles/"+cycle.ID+"/close", ""); rec.Code != http.StatusConflict {
			t.Errorf("second close = %d, want 409", rec.Code)
		}
	})

	t.Run("contribution on a closed cycle is 409", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/contributions",
			fmt.Sprintf(`{"cycle_id":"%s","member_id":"M001","amount":"100.00"}`, cycle.ID))
		if rec.Code != http.StatusConflict {
			t.Errorf("POST /contributions = %d, want 409", rec.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/cycles", "")
		var cycles []cycleJSON
		decodeBody(t, rec, &cycles)
		if len(cycles) != 1 {
			t.Errorf("GET /cycles = %d cycles, want 1", len(cycles))
		}
	})
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/members", "")
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
