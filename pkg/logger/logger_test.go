package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestWithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("local", &buf)
	ctx := With(context.Background(), base)

	ctx, _ = WithAttrs(ctx, "job_id", "j1")
	From(ctx).Info("claimed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["job_id"] != "j1" || line["service"] != "outreach" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestMiddlewareSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	r := gin.New()
	r.Use(Middleware(NewWithWriter("dev", &buf)))
	r.GET("/x", func(c *gin.Context) {
		if From(c.Request.Context()) == nil || FromGin(c) == nil {
			t.Fatalf("expected logger in context")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"path":"/x"`)) {
		t.Fatalf("expected request summary, got %s", buf.String())
	}
}
