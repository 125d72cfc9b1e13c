package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) loadScenario(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"loaded","scenario":"`+id+`"}`, rec.Body.String())
}

func (s *testServer) invoices(t *testing.T) []InvoiceDTO {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/invoices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decodeBody[[]InvoiceDTO](t, rec)
}

func TestListScenarios(t *testing.T) {
	s := newTestServer(t, RouterConfig{Demo: true})

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ScenarioDTO](t, rec)

	ids := make([]string, len(list))
	for i, sc := range list {
		ids[i] = sc.ID
	}
	assert.Equal(t, []string{"single-rent", "split-payment", "mixed-models", "payment-link"}, ids)
}

func TestScenarios_LoadEveryScenario(t *testing.T) {
	s := newTestServer(t, RouterConfig{Demo: true})
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s.loadScenario(t, sc.ID)
			assert.NotEmpty(t, s.invoices(t))

			rec := s.do(t, http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, sc.ID, decodeBody[ScenarioDTO](t, rec).ID)
		})
	}
}

func TestScenario_MixedModelsCountsEachPaymentOnce(t *testing.T) {
	// GIVEN: The mixed-models scenario (400 legacy + 600 allocated on the first invoice)
	// WHEN: Reading both invoices
	// THEN: The first is exactly paid and the second has the remaining 300

	s := newTestServer(t, RouterConfig{Demo: true})
	s.loadScenario(t, "mixed-models")

	list := s.invoices(t)
	require.Len(t, list, 2)
	byPaid := map[string]InvoiceDTO{}
	for _, inv := range list {
		byPaid[inv.PaidAmount.String()] = inv
	}
	require.Contains(t, byPaid, "1000.00")
	require.Contains(t, byPaid, "300.00")
	assert.Equal(t, "paid", byPaid["1000.00"].Status)
	assert.Equal(t, "partially_paid", byPaid["300.00"].Status)
}

func TestScenario_ResetAndErrors(t *testing.T) {
	s := newTestServer(t, RouterConfig{Demo: true})
	s.loadScenario(t, "split-payment")

	rec := s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.invoices(t))

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, detailFields(t, errorBody(t, rec)), "scenario_id")

	// Without demo mode the routes do not exist.
	plain := newTestServer(t, RouterConfig{})
	rec = plain.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
