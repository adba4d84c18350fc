package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wuest/cloudflock/internal/config"
)

func TestCreateInstanceParsesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/instances" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(instanceResponse{
			ID: "inst-1", Hostname: "dst.example.com", PublicIP: "198.51.100.9", PrivateIP: "10.0.0.9",
		})
	}))
	defer ts.Close()

	p := NewHTTPProvisioner(ts.URL, "key")
	inst, err := p.CreateInstance(context.Background(), config.ProvisionRequest{ImageID: "img-1", FlavorID: "6"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if inst.ID != "inst-1" || inst.PublicIP != "198.51.100.9" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestWaitUntilReadyPollsUntilActive(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "booting"
		if calls >= 2 {
			status = "active"
		}
		json.NewEncoder(w).Encode(instanceResponse{ID: "inst-1", PublicIP: "198.51.100.9", Status: status})
	}))
	defer ts.Close()

	p := NewHTTPProvisioner(ts.URL, "key")
	p.pollSpan = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	endpoint, err := p.WaitUntilReady(ctx, Instance{ID: "inst-1"})
	if err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if endpoint.Hostname != "198.51.100.9" {
		t.Fatalf("expected endpoint hostname to be the public IP, got %+v", endpoint)
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 polls before active, got %d", calls)
	}
}

func TestWaitUntilManagedAutomationDoneSkipsUnmanaged(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(instanceResponse{Status: "active"})
	}))
	defer ts.Close()

	p := NewHTTPProvisioner(ts.URL, "key")
	if err := p.WaitUntilManagedAutomationDone(context.Background(), Instance{Managed: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no polling for an unmanaged instance, got %d calls", calls)
	}
}

func TestDestroySendsDelete(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
	}))
	defer ts.Close()

	p := NewHTTPProvisioner(ts.URL, "key")
	if err := p.Destroy(context.Background(), Instance{ID: "inst-1"}); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/instances/inst-1" {
		t.Fatalf("expected DELETE /api/instances/inst-1, got %s %s", gotMethod, gotPath)
	}
}
