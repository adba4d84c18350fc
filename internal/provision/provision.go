// Package provision defines the external collaborator the Orchestrator uses
// to bring up a destination host when a migration is not a resume (spec.md
// section 4.9, SPEC_FULL.md "External collaborator interfaces"). The real
// cloud-SDK integration is out of scope (spec.md section 1); this package
// holds only the interface and an HTTP-backed reference implementation
// usable in tests and examples.
package provision

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wuest/cloudflock/internal/config"
)

// Instance describes a provisioned destination host.
type Instance struct {
	ID        string
	Hostname  string
	PublicIP  string
	PrivateIP string
	Managed   bool
}

// Provisioner creates and tears down destination hosts, grounded on
// phonehome.go's retrying http.Client wrapper for its reference
// implementation.
type Provisioner interface {
	CreateInstance(ctx context.Context, req config.ProvisionRequest) (Instance, error)
	WaitUntilReady(ctx context.Context, instance Instance) (config.HostEndpoint, error)
	WaitUntilManagedAutomationDone(ctx context.Context, instance Instance) error
	RescueMode(ctx context.Context, instance Instance) error
	Destroy(ctx context.Context, instance Instance) error
}

// HTTPProvisioner is a reference Provisioner backed by a JSON/HTTP API,
// grounded on daemon.PhoneHomeClient's http.Client construction (TLS 1.2
// minimum, bounded idle connections, 30s timeout).
type HTTPProvisioner struct {
	endpoint string
	apiKey   string
	client   *http.Client
	pollSpan time.Duration
}

// NewHTTPProvisioner builds an HTTPProvisioner against endpoint.
func NewHTTPProvisioner(endpoint, apiKey string) *HTTPProvisioner {
	return &HTTPProvisioner{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		pollSpan: 5 * time.Second,
	}
}

type createInstanceRequest struct {
	ImageID  string `json:"image_id"`
	FlavorID string `json:"flavor_id"`
	Name     string `json:"name"`
	Region   string `json:"region"`
}

type instanceResponse struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	PublicIP  string `json:"public_ip"`
	PrivateIP string `json:"private_ip"`
	Status    string `json:"status"`
	Managed   bool   `json:"managed_account"`
}

// CreateInstance submits a creation request and returns the new instance's
// identity without waiting for it to finish booting.
func (p *HTTPProvisioner) CreateInstance(ctx context.Context, req config.ProvisionRequest) (Instance, error) {
	body, err := json.Marshal(createInstanceRequest{
		ImageID: req.ImageID, FlavorID: req.FlavorID, Name: req.Name, Region: req.Region,
	})
	if err != nil {
		return Instance{}, fmt.Errorf("marshal create request: %w", err)
	}

	var resp instanceResponse
	if err := p.do(ctx, http.MethodPost, "/api/instances", body, &resp); err != nil {
		return Instance{}, fmt.Errorf("create instance: %w", err)
	}

	return Instance{ID: resp.ID, Hostname: resp.Hostname, PublicIP: resp.PublicIP, PrivateIP: resp.PrivateIP, Managed: req.ManagedAccount}, nil
}

// WaitUntilReady polls until the instance reports "active", then returns a
// HostEndpoint an Orchestrator can open a Session against.
func (p *HTTPProvisioner) WaitUntilReady(ctx context.Context, instance Instance) (config.HostEndpoint, error) {
	resp, err := p.pollUntilStatus(ctx, instance.ID, "active")
	if err != nil {
		return config.HostEndpoint{}, err
	}
	hostname := resp.PublicIP
	if hostname == "" {
		hostname = instance.PublicIP
	}
	return config.HostEndpoint{
		Hostname:   hostname,
		LoginUser:  "root",
		Escalation: config.EscalationAlreadyRoot,
	}, nil
}

// WaitUntilManagedAutomationDone polls until a managed-account instance's
// post-boot automation has finished (GLOSSARY: "Managed account").
func (p *HTTPProvisioner) WaitUntilManagedAutomationDone(ctx context.Context, instance Instance) error {
	if !instance.Managed {
		return nil
	}
	_, err := p.pollUntilStatus(ctx, instance.ID, "automation_complete")
	return err
}

// RescueMode boots instance into a rescue/recovery image, used when the
// primary OS is unreachable.
func (p *HTTPProvisioner) RescueMode(ctx context.Context, instance Instance) error {
	return p.do(ctx, http.MethodPost, "/api/instances/"+instance.ID+"/rescue", nil, nil)
}

// Destroy tears down the instance.
func (p *HTTPProvisioner) Destroy(ctx context.Context, instance Instance) error {
	return p.do(ctx, http.MethodDelete, "/api/instances/"+instance.ID, nil, nil)
}

func (p *HTTPProvisioner) pollUntilStatus(ctx context.Context, instanceID, wantStatus string) (instanceResponse, error) {
	ticker := time.NewTicker(p.pollSpan)
	defer ticker.Stop()
	for {
		var resp instanceResponse
		if err := p.do(ctx, http.MethodGet, "/api/instances/"+instanceID, nil, &resp); err != nil {
			return instanceResponse{}, fmt.Errorf("poll instance status: %w", err)
		}
		if resp.Status == wantStatus {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return instanceResponse{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *HTTPProvisioner) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("provisioner returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
