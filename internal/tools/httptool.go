package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
)

const maxHTTPToolResponse = 64 * 1024

// HTTPTool runs tenant-defined tools: the validated argument object is
// POSTed as JSON to the declared endpoint and the response body becomes the
// tool result. Targets must be public HTTPS hosts; loopback, private and
// link-local addresses are refused to keep model-chosen arguments from
// reaching internal services.
type HTTPTool struct {
	client      *http.Client
	checkTarget bool
	lookupIP    func(host string) ([]net.IP, error)
}

func NewHTTPTool() *HTTPTool {
	return &HTTPTool{
		client:      &http.Client{Timeout: 30 * time.Second},
		checkTarget: true,
		lookupIP:    net.LookupIP,
	}
}

func (t *HTTPTool) Execute(ctx context.Context, tn *tenant.Tenant, spec tenant.ToolSpec, args map[string]any) (string, error) {
	if spec.Endpoint == "" {
		return "", fmt.Errorf("tool %q has no endpoint", spec.Name)
	}
	target, err := url.Parse(spec.Endpoint)
	if err != nil {
		return "", fmt.Errorf("tool %q endpoint is not a valid URL", spec.Name)
	}
	if t.checkTarget {
		if err := t.validateTarget(target, tn.AllowedHosts); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range spec.Headers {
		req.Header.Set(name, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %v", target.Host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPToolResponse))
	if err != nil {
		return "", fmt.Errorf("read response: %v", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func (t *HTTPTool) validateTarget(target *url.URL, allowedHosts []string) error {
	host := strings.ToLower(target.Hostname())
	if target.Scheme != "https" || host == "" {
		return fmt.Errorf("tool endpoints require an absolute HTTPS URL")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("target host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := assertPublicIP(ip); err != nil {
			return err
		}
	} else if ips, err := t.lookupIP(host); err == nil {
		// Best effort: if DNS fails here, let the request fail naturally.
		for _, ip := range ips {
			if err := assertPublicIP(ip); err != nil {
				return err
			}
		}
	}

	if len(allowedHosts) > 0 && !hostAllowed(host, allowedHosts) {
		return fmt.Errorf("target host %q is not in allowed_hosts", host)
	}
	return nil
}

func assertPublicIP(ip net.IP) error {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("target IP %q is not allowed", ip)
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
