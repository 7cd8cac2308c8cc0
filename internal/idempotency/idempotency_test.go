package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func setupRouter(store Store) (*gin.Engine, *int) {
	gin.SetMode(gin.TestMode)
	calls := 0
	router := gin.New()
	router.Use(Middleware(store))
	router.POST("/v1/escrow/hold", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"ok": true, "calls": calls})
	})
	router.POST("/v1/fail", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
	})
	router.GET("/v1/ping", func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router, &calls
}

func do(router *gin.Engine, method, path, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(Header, key)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	router, calls := setupRouter(NewMemoryStore(0))

	first := do(router, "POST", "/v1/escrow/hold", "key-1")
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d", first.Code)
	}
	second := do(router, "POST", "/v1/escrow/hold", "key-1")
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d", second.Code)
	}

	if *calls != 1 {
		t.Errorf("handler ran %d times, want 1", *calls)
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Error("replay should be marked")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("bodies differ: %s vs %s", first.Body.String(), second.Body.String())
	}
}

func TestMiddleware_DistinctKeysExecute(t *testing.T) {
	router, calls := setupRouter(NewMemoryStore(0))

	do(router, "POST", "/v1/escrow/hold", "key-1")
	do(router, "POST", "/v1/escrow/hold", "key-2")
	if *calls != 2 {
		t.Errorf("handler ran %d times, want 2", *calls)
	}
}

func TestMiddleware_NoKeyOrReadOnlySkips(t *testing.T) {
	router, calls := setupRouter(NewMemoryStore(0))

	do(router, "POST", "/v1/escrow/hold", "")
	do(router, "POST", "/v1/escrow/hold", "")
	do(router, "GET", "/v1/ping", "key-1")
	do(router, "GET", "/v1/ping", "key-1")
	if *calls != 4 {
		t.Errorf("handler ran %d times, want 4", *calls)
	}
}

func TestMiddleware_KeyReuseAcrossPathsConflicts(t *testing.T) {
	store := NewMemoryStore(0)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(store))
	router.POST("/v1/a", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	router.POST("/v1/b", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	do(router, "POST", "/v1/a", "key-1")
	w := do(router, "POST", "/v1/b", "key-1")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}

	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "idempotency_conflict" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestMiddleware_ServerErrorsNotPinned(t *testing.T) {
	router, calls := setupRouter(NewMemoryStore(0))

	do(router, "POST", "/v1/fail", "key-1")
	do(router, "POST", "/v1/fail", "key-1")
	if *calls != 2 {
		t.Errorf("handler ran %d times, want 2 (500s are retryable)", *calls)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(10 * time.Millisecond)
	record := &Record{Key: "k", Method: "POST", Path: "/p", Status: 200, CreatedAt: time.Now().UTC()}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Get(context.Background(), "k"); err != nil {
		t.Fatalf("fresh get: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := store.Get(context.Background(), "k"); err != ErrNotFound {
		t.Errorf("stale get err = %v, want ErrNotFound", err)
	}
}
