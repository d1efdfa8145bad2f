package notification

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSender posts messages as JSON to a URL.
// Private and loopback targets are refused unless allowPrivate is set.
type WebhookSender struct {
	name         string
	url          string
	headers      map[string]string
	allowPrivate bool
	client       *resty.Client
}

// NewWebhookSender creates a webhook channel. Redirects are not followed.
func NewWebhookSender(name, rawURL string, headers map[string]string, allowPrivate bool) *WebhookSender {
	return &WebhookSender{
		name:         name,
		url:          rawURL,
		headers:      headers,
		allowPrivate: allowPrivate,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRedirectPolicy(resty.NoRedirectPolicy()),
	}
}

func (s *WebhookSender) Type() string { return "webhook" }
func (s *WebhookSender) Name() string { return s.name }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	if !s.allowPrivate {
		if err := validateWebhookURL(s.url); err != nil {
			return fmt.Errorf("webhook %q URL rejected: %w", s.name, err)
		}
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "Seedvault-Webhook/1.0").
		SetHeaders(s.headers).
		SetBody(struct {
			*Message
			Channel string `json:"channel"`
		}{msg, s.name}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("sending webhook %q: %w", s.name, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook %q returned %d: %s", s.name, resp.StatusCode(), truncate(resp.String(), 512))
	}
	return nil
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
