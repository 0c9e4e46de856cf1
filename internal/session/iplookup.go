package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"medilink-signal/internal/domain/user"
	"medilink-signal/pkg/metrics"
)

// IPResolver finds the public address of this device. It never fails;
// user.UnknownIP stands in when nothing answered.
type IPResolver interface {
	PublicIP(ctx context.Context) string
}

// HTTPLookup asks each endpoint in turn and takes the first valid address.
// Endpoints may answer with a bare address or a JSON object with an "ip" key.
type HTTPLookup struct {
	URLs    []string
	Client  *http.Client
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewHTTPLookup(urls []string, timeout time.Duration, logger *zap.Logger) *HTTPLookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPLookup{
		URLs:    urls,
		Client:  &http.Client{},
		Timeout: timeout,
		Logger:  logger,
	}
}

func (l *HTTPLookup) PublicIP(ctx context.Context) string {
	for _, url := range l.URLs {
		ip, err := l.fetch(ctx, url)
		if err != nil {
			l.Logger.Debug("ip lookup failed", zap.String("url", url), zap.Error(err))
			continue
		}
		metrics.IPLookups.WithLabelValues("ok").Inc()
		return ip
	}
	metrics.IPLookups.WithLabelValues("fallback").Inc()
	l.Logger.Info("all ip lookups failed, using placeholder")
	return user.UnknownIP
}

func (l *HTTPLookup) fetch(ctx context.Context, url string) (string, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
	if err != nil {
		return "", err
	}
	return parseIP(body)
}

func parseIP(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if strings.HasPrefix(text, "{") {
		var payload struct {
			IP string `json:"ip"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", err
		}
		text = strings.TrimSpace(payload.IP)
	}
	if net.ParseIP(text) == nil {
		return "", fmt.Errorf("not an ip address: %q", text)
	}
	return text, nil
}

// StaticIP is an IPResolver that always answers the same address.
type StaticIP string

func (s StaticIP) PublicIP(context.Context) string { return string(s) }
