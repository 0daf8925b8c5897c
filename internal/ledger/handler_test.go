package ledger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	movements map[string]int
	shortages int
}

func (m *countingMetrics) CountMovement(kind string) {
	if m.movements == nil {
		m.movements = map[string]int{}
	}
	m.movements[kind]++
}

func (m *countingMetrics) CountShortage() { m.shortages++ }

func newTestRouter(repo RepositoryPort, metrics MetricsPort) chi.Router {
	handler := NewHandler(nil, newTestService(repo), metrics)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPostMovementReceiveAndConsume(t *testing.T) {
	metrics := &countingMetrics{}
	router := newTestRouter(newMemoryRepo(), metrics)

	rec := postJSON(t, router, "/movements", map[string]any{
		"direction": "in", "product_id": 1, "warehouse_id": 1, "company_id": 1,
		"qty": 10, "unit_cost": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var layer layerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layer))
	require.InDelta(t, 1000.0, layer.Value, 0.0001)

	rec = postJSON(t, router, "/movements", map[string]any{
		"direction": "out", "product_id": 1, "warehouse_id": 1, "company_id": 1,
		"qty": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result consumptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.InDelta(t, 400.0, result.Cost, 0.0001)
	require.True(t, result.FullySatisfied)

	require.Equal(t, 1, metrics.movements["RECEIPT"])
	require.Equal(t, 1, metrics.movements["ISSUE"])
}

func TestPostMovementShortageReturnsConflict(t *testing.T) {
	metrics := &countingMetrics{}
	router := newTestRouter(newMemoryRepo(), metrics)

	rec := postJSON(t, router, "/movements", map[string]any{
		"direction": "out", "product_id": 1, "warehouse_id": 1, "company_id": 1,
		"qty": 5,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 1, metrics.shortages)

	var body struct {
		Error   string `json:"error"`
		Details struct {
			Needed    float64 `json:"needed"`
			Shortfall float64 `json:"shortfall"`
			CanFulfil bool    `json:"can_fulfil"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "insufficient stock", body.Error)
	require.InDelta(t, 5.0, body.Details.Needed, 0.0001)
	require.InDelta(t, 5.0, body.Details.Shortfall, 0.0001)
	require.False(t, body.Details.CanFulfil)
}

func TestPostMovementRejectsBadDirection(t *testing.T) {
	router := newTestRouter(newMemoryRepo(), nil)

	rec := postJSON(t, router, "/movements", map[string]any{
		"direction": "sideways", "product_id": 1, "warehouse_id": 1, "company_id": 1, "qty": 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostTransferMovesValue(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo, nil)

	rec := postJSON(t, router, "/movements", map[string]any{
		"direction": "in", "product_id": 1, "warehouse_id": 1, "company_id": 1,
		"qty": 10, "unit_cost": 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/transfers", map[string]any{
		"product_id": 1, "company_id": 1,
		"src_warehouse_id": 1, "dst_warehouse_id": 2, "qty": 6,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/valuation?product_id=1&warehouse_id=2&company_id=1", nil)
	recGet := httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)

	var valuation struct {
		RemainingQty float64 `json:"remaining_qty"`
		Value        float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(recGet.Body.Bytes(), &valuation))
	require.InDelta(t, 6.0, valuation.RemainingQty, 0.0001)
	require.InDelta(t, 300.0, valuation.Value, 0.0001)
}
