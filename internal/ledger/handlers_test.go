package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newEntriesRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ledger/:user_id/entries", NewGinHandlers(svc).GetEntriesHandler())
	return router
}

func TestGetEntriesHandlerPagination(t *testing.T) {
	svc := newTestService(t)
	for _, key := range []string{"dep-1", "dep-2", "dep-3"} {
		if _, err := svc.CreditDeposit(MutationCommand{
			UserID: "USER_1", AssetID: "USDT", Amount: "10", IdempotencyKey: key,
		}); err != nil {
			t.Fatalf("CreditDeposit %s failed: %v", key, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	router := newEntriesRouter(svc)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ledger/USER_1/entries?limit=2&offset=1", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Success bool          `json:"success"`
		Data    []LedgerEntry `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("got %d entries, want 2", len(body.Data))
	}
	// History is newest first; offset 1 skips the latest deposit.
	if body.Data[0].IdempotencyKey != "dep-2" || body.Data[1].IdempotencyKey != "dep-1" {
		t.Errorf("page = %s, %s, want dep-2, dep-1",
			body.Data[0].IdempotencyKey, body.Data[1].IdempotencyKey)
	}
}

func TestGetEntriesHandlerRejectsBadPagination(t *testing.T) {
	router := newEntriesRouter(newTestService(t))

	for _, query := range []string{"limit=0", "limit=abc", "offset=-1"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ledger/USER_1/entries?"+query, nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", query, w.Code)
		}
	}
}
