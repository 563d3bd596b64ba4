package deltastatus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chendingplano/deltatarget/api/deltalog"
	"github.com/chendingplano/deltatarget/api/deltatypes"
)

type fakeProvider struct {
	statuses []deltatypes.TableStatus
}

func (f *fakeProvider) TableStatuses() []deltatypes.TableStatus { return f.statuses }

func TestHandleHealth(t *testing.T) {
	s := New(&fakeProvider{}, deltalog.New(deltalog.FormatText))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestHandleTableStatusReportsErrorsOnlyWhenPresent(t *testing.T) {
	now := time.Now()
	provider := &fakeProvider{statuses: []deltatypes.TableStatus{
		{
			Table:        deltatypes.TableID{Dataset: "d", Table: "clean"},
			Replicating:  true,
			UpdatedAt:    now,
		},
		{
			Table:         deltatypes.TableID{Dataset: "d", Table: "broken"},
			LastError:     "boom",
			LastErrorTime: now,
			UpdatedAt:     now,
		},
	}}
	s := New(provider, deltalog.New(deltalog.FormatText))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/tables", nil)
	s.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status/tables = %d, want 200", rec.Code)
	}

	var body struct {
		Tables []tableStatusView `json:"tables"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if len(body.Tables) != 2 {
		t.Fatalf("expected two table statuses, got %d", len(body.Tables))
	}

	byName := make(map[string]tableStatusView, 2)
	for _, v := range body.Tables {
		byName[v.Table] = v
	}
	if byName["clean"].LastError != "" {
		t.Fatalf("expected the clean table to carry no last_error, got %q", byName["clean"].LastError)
	}
	if byName["broken"].LastError != "boom" {
		t.Fatalf("expected the broken table's last_error to be reported, got %q", byName["broken"].LastError)
	}
}
