package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElvisLiaooo/homeassistant-catlink/internal/config"
	"github.com/ElvisLiaooo/homeassistant-catlink/internal/core/auth"
)

func fakeVendor(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login/password":
			w.Write([]byte(`{"returnCode":0,"data":{"token":"tok"}}`))
		case "/api/token/device/union/ownList":
			w.Write([]byte(`{"returnCode":0,"data":{"devices":[{"id":3,"deviceType":"PURE3","deviceName":"Fountain"}]}}`))
		default:
			w.Write([]byte(`{"returnCode":0,"data":{}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, apiBase string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "options.yaml")
	data := "catlink:\n" +
		"  api_base: " + apiBase + "\n" +
		"  phone: \"13800000000\"\n" +
		"  password: secret\n" +
		"credentials:\n" +
		"  backend: memory\n" +
		"log:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("1.2.3", "2026-01-01")
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "catlinkd 1.2.3 (2026-01-01)\n", out)
}

func TestValidate(t *testing.T) {
	srv := fakeVendor(t)
	cfg := writeConfig(t, srv.URL+"/api/")

	out, err := execute(t, "validate", "--config", cfg, "--env-file", "")
	require.NoError(t, err)
	assert.Contains(t, out, "1 device(s)")
	assert.Contains(t, out, "Fountain")
}

func TestSnapshot(t *testing.T) {
	srv := fakeVendor(t)
	cfg := writeConfig(t, srv.URL+"/api/")

	out, err := execute(t, "snapshot", "--config", cfg, "--env-file", "")
	require.NoError(t, err)

	var snap struct {
		UID            string                    `json:"uid"`
		WaterFountains map[string]map[string]any `json:"water_fountains"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "13800000000", snap.UID)
	assert.Contains(t, snap.WaterFountains, "3")
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catlink:\n  phone: \"\"\n"), 0o600))

	_, err := execute(t, "validate", "--config", path, "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catlink.phone is required")
}

func TestNewLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	log, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}, buf)
	require.NoError(t, err)
	log.Debug("hello", "k", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])

	_, err = newLogger(config.LogConfig{Level: "loud"}, buf)
	assert.Error(t, err)
	_, err = newLogger(config.LogConfig{Format: "xml"}, buf)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, closeFn, err := openStore(ctx, config.CredentialsConfig{Backend: config.BackendMemory}, log)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &auth.MemoryStore{}, s)

	s, closeFn, err = openStore(ctx, config.CredentialsConfig{Backend: config.BackendFile, Dir: t.TempDir()}, log)
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &auth.FileStore{}, s)

	_, _, err = openStore(ctx, config.CredentialsConfig{Backend: config.BackendRedis, RedisURL: "not-a-url"}, log)
	assert.Error(t, err)
}
