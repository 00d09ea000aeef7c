package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(NewMemoryStore(), testLogger())
	h := NewHandler(m, testLogger())
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1)
	return r, m
}

func TestHandler_GetBalance(t *testing.T) {
	router, m := setupTestRouter(t)
	_, err := m.Credit(context.Background(), "alice", "WBTC", "1.5", "dep_1", "deposit")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/alice/balances/WBTC", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bal Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "1.50000000", bal.Available)
	assert.Equal(t, "0.00000000", bal.Locked)
}

func TestHandler_GetBalanceInvalidUser(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/not%20a%20user/balances/WBTC", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_HistoryPagination(t *testing.T) {
	router, m := setupTestRouter(t)
	ctx := context.Background()
	_, err := m.Credit(ctx, "alice", "WBTC", "1.0", "dep_1", "deposit")
	require.NoError(t, err)
	_, err = m.Lock(ctx, "alice", "WBTC", "0.2", "trd_1")
	require.NoError(t, err)
	_, err = m.Refund(ctx, "alice", "WBTC", "0.2", "trd_1", "cancelled")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/alice/transactions?limit=2", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page struct {
		Transactions []Transaction `json:"transactions"`
		Count        int           `json:"count"`
		NextCursor   string        `json:"nextCursor"`
		HasMore      bool          `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/users/alice/transactions?limit=2&cursor="+page.NextCursor, nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rest struct {
		Transactions []Transaction `json:"transactions"`
		HasMore      bool          `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	assert.Len(t, rest.Transactions, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, KindAdjust, rest.Transactions[0].Kind)
}

func TestHandler_HistoryBadCursor(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/users/alice/transactions?cursor=%21%21notbase64", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdminCredit(t *testing.T) {
	router, m := setupTestRouter(t)

	body := `{"userId":"bob","token":"WBTC","amount":"2.0","ref":"dep_99","reason":"onboarding"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/credits", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bal, err := m.GetBalance(context.Background(), "bob", "WBTC")
	require.NoError(t, err)
	assert.Equal(t, "2.00000000", bal.Available)
}
