package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	status  string
	message string
}

func (s stubChecker) CheckReady() (string, string) {
	return s.status, s.message
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name     string
		pg, idp  ReadinessChecker
		wantCode int
		want     string
	}{
		{"всё доступно", stubChecker{status: "ok"}, stubChecker{status: "ok"}, http.StatusOK, "ok"},
		{"IdP деградировал", stubChecker{status: "ok"}, stubChecker{status: "degraded", message: "медленно"}, http.StatusOK, "degraded"},
		{"PostgreSQL недоступен", stubChecker{status: "fail"}, stubChecker{status: "ok"}, http.StatusServiceUnavailable, "fail"},
		{"checker не задан", nil, stubChecker{status: "ok"}, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.pg, tt.idp)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, ожидается %d", rec.Code, tt.wantCode)
			}
			var resp healthReadyResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.want {
				t.Errorf("Status = %q, ожидается %q", resp.Status, tt.want)
			}
			if resp.Service != serviceName {
				t.Errorf("Service = %q", resp.Service)
			}
		})
	}
}

func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthLiveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q", resp.Status)
	}
}
