package thetapoint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/thetapoint-forwarder/internal/event"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/encode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func senderFor(t *testing.T, server *httptest.Server, cfg Config) *Sender {
	t.Helper()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg.Proto = u.Scheme
	cfg.Host = host
	cfg.Port = port
	sender, err := NewSender(cfg, discardLogger())
	require.NoError(t, err)
	return sender
}

func TestSender_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/bulk/abcdef12", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Batch-Id"))
		assert.Equal(t, "1", r.Header.Get("X-Event-Count"))

		var ev map[string]any
		err := json.NewDecoder(r.Body).Decode(&ev)
		assert.NoError(t, err)
		assert.Equal(t, "hello", ev["message"])

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := senderFor(t, server, Config{})
	payload, err := encode.New(false).EncodeEvent(event.Event{"message": "hello"})
	require.NoError(t, err)

	result := sender.Send(context.Background(), payload, "abcdef12")
	assert.True(t, result.OK())
	assert.Equal(t, http.StatusOK, result.Status)
}

func TestSender_CompressedPath(t *testing.T) {
	events := []event.Event{{"message": "A"}, {"message": "B"}}
	plain, err := encode.New(false).EncodeBatch(events)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/zbulk/k", r.URL.Path)
		assert.Equal(t, "deflate", r.Header.Get("Content-Encoding"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		inflated, err := encode.Decode(output.Payload{Body: body, Compressed: true})
		assert.NoError(t, err)
		assert.Equal(t, plain.Body, inflated)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := senderFor(t, server, Config{})
	payload, err := encode.New(true).EncodeBatch(events)
	require.NoError(t, err)

	result := sender.Send(context.Background(), payload, "k")
	assert.True(t, result.OK())
}

func TestSender_HTTPError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("backend exploded"))
	}))
	defer server.Close()

	sender := senderFor(t, server, Config{})
	result := sender.Send(context.Background(), output.Payload{Body: []byte("{}"), Events: 1}, "k")

	assert.Equal(t, output.ResultHTTPError, result.Kind)
	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Equal(t, "backend exploded", result.Body)
	assert.Equal(t, 1, attempts)

	var httpErr *output.HTTPError
	assert.True(t, errors.As(result.Err(), &httpErr))
}

func TestSender_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	sender := senderFor(t, server, Config{})
	server.Close()

	result := sender.Send(context.Background(), output.Payload{Body: []byte("{}")}, "k")

	assert.Equal(t, output.ResultTransportError, result.Kind)
	assert.Error(t, result.Cause)
}

func TestSender_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	sender := senderFor(t, server, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	result := sender.Send(context.Background(), output.Payload{Body: []byte("{}")}, "k")

	assert.Equal(t, output.ResultTransportError, result.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSender_TLSVerification(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	strict := senderFor(t, server, Config{})
	result := strict.Send(context.Background(), output.Payload{Body: []byte("{}")}, "k")
	assert.Equal(t, output.ResultTransportError, result.Kind, "self-signed certificate must be rejected by default")

	insecure := senderFor(t, server, Config{InsecureSkipVerify: true})
	result = insecure.Send(context.Background(), output.Payload{Body: []byte("{}")}, "k")
	assert.True(t, result.OK())
}

func TestSender_Proxy(t *testing.T) {
	var seenURL, seenAuth string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURL = r.URL.String()
		seenAuth = r.Header.Get("Proxy-Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	proxyHost, proxyPortStr, err := net.SplitHostPort(proxyURL.Host)
	require.NoError(t, err)
	proxyPort, err := strconv.Atoi(proxyPortStr)
	require.NoError(t, err)

	sender, err := NewSender(Config{
		Proto:         "http",
		Host:          "api.theta-point.invalid",
		Port:          8080,
		ProxyHost:     proxyHost,
		ProxyPort:     proxyPort,
		ProxyUser:     "user",
		ProxyPassword: "secret",
	}, discardLogger())
	require.NoError(t, err)

	result := sender.Send(context.Background(), output.Payload{Body: []byte("{}")}, "k")
	require.True(t, result.OK())

	assert.Equal(t, "http://api.theta-point.invalid:8080/bulk/k", seenURL)
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
	assert.Equal(t, expected, seenAuth)
}

func TestSender_URL(t *testing.T) {
	sender, err := NewSender(Config{Host: DefaultHost, Port: DefaultPort}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "https://api.theta-point.com:443/bulk/abc", sender.URL("abc", false))
	assert.Equal(t, "https://api.theta-point.com:443/zbulk/abc", sender.URL("abc", true))
	assert.Equal(t, "https://api.theta-point.com:443/bulk/a%20b", sender.URL("a b", false))
	assert.Equal(t, "https://api.theta-point.com:443/bulk/tenant/app", sender.URL("tenant/app", false))
	assert.Equal(t, "https://api.theta-point.com:443/bulk/a%3Fb", sender.URL("a?b", false))
}

func TestSender_CustomPath(t *testing.T) {
	sender, err := NewSender(Config{Host: DefaultHost, Port: DefaultPort, Path: "ingest"}, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, "https://api.theta-point.com:443/ingest/abc", sender.URL("abc", false))
	assert.Equal(t, "https://api.theta-point.com:443/zbulk/abc", sender.URL("abc", true),
		"compressed payloads always go to zbulk")
}

func TestNewSender_Validation(t *testing.T) {
	_, err := NewSender(Config{Host: "h", Port: 1, Proto: "ftp"}, nil)
	assert.Error(t, err)

	_, err = NewSender(Config{Port: 1}, nil)
	assert.Error(t, err)

	_, err = NewSender(Config{Host: "h", Port: 0}, nil)
	assert.Error(t, err)
}
