package thetapoint

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
)

const (
	DefaultHost    = "api.theta-point.com"
	DefaultPort    = 443
	DefaultPath    = "bulk"
	// CompressedPath replaces the configured path for deflated payloads.
	CompressedPath = "zbulk"
	DefaultProto   = "https"
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

type Config struct {
	Proto string
	Host  string
	Port  int
	Path  string

	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string

	// InsecureSkipVerify disables certificate checks on https.
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Sender posts payloads to the ThetaPoint bulk endpoint. It keeps no
// per-request state, so one Sender may be shared by all goroutines.
type Sender struct {
	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

func NewSender(cfg Config, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Proto == "" {
		cfg.Proto = DefaultProto
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Proto != "http" && cfg.Proto != "https" {
		return nil, fmt.Errorf("unsupported proto %q", cfg.Proto)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	if cfg.Proto == "https" {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
		if cfg.InsecureSkipVerify {
			logger.Warn("certificate verification disabled", "host", cfg.Host)
		}
	}
	if proxyURL := cfg.proxyURL(); proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Sender{
		cfg: cfg,
		baseURL: &url.URL{
			Scheme: cfg.Proto,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		},
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}, nil
}

func (c Config) proxyURL() *url.URL {
	if c.ProxyHost == "" {
		return nil
	}
	u := &url.URL{Scheme: "http", Host: c.ProxyHost}
	if c.ProxyPort > 0 {
		u.Host = net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
	}
	if c.ProxyUser != "" {
		u.User = url.UserPassword(c.ProxyUser, c.ProxyPassword)
	}
	return u
}

// PathSegment is the first path element used for a payload.
func (s *Sender) PathSegment(compressed bool) string {
	if compressed {
		return CompressedPath
	}
	return s.cfg.Path
}

// URL builds the destination for key. The key is appended as is, so a
// "/" inside it adds path levels; other reserved characters are escaped.
func (s *Sender) URL(key string, compressed bool) string {
	u := *s.baseURL
	u.Path = "/" + s.PathSegment(compressed) + "/" + key
	return u.String()
}

// Send performs one POST. Failures are classified in the returned result
// and never panic or escape as errors.
func (s *Sender) Send(ctx context.Context, payload output.Payload, key string) output.SendResult {
	target := s.URL(key, payload.Compressed)
	batchID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload.Body))
	if err != nil {
		return output.TransportFailure(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if payload.Compressed {
		req.Header.Set("Content-Encoding", "deflate")
	}
	req.Header.Set("X-Batch-Id", batchID)
	req.Header.Set("X-Event-Count", strconv.Itoa(payload.Events))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return output.TransportFailure(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	s.logger.Debug("payload submitted",
		"url", target,
		"batch_id", batchID,
		"events", payload.Events,
		"bytes", len(payload.Body),
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return output.HTTPFailure(resp.StatusCode, string(responseBody))
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return output.Success(resp.StatusCode)
}
