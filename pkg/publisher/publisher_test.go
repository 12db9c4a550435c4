package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpulse/gridpulse/pkg/types"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Parses", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "publish.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
mqtt:
  enabled: true
  broker: broker.local:1883
  username: mq
  topic_prefix: energy
home_assistant:
  enabled: true
  url: http://homeassistant.local:8123
  token: secret
`), 0o600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.True(t, cfg.MQTT.Enabled)
		assert.Equal(t, "broker.local:1883", cfg.MQTT.Broker)
		assert.Equal(t, "energy", cfg.MQTT.TopicPrefix)
		assert.True(t, cfg.HomeAssistant.Enabled)
		assert.Equal(t, "secret", cfg.HomeAssistant.Token)
	})

	t.Run("MissingFileDisablesPublishing", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Config{}, cfg)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "publish.yaml")
		require.NoError(t, os.WriteFile(path, []byte("mqtt: ["), 0o600))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

func TestNewValidation(t *testing.T) {
	t.Run("HARequiresURLAndToken", func(t *testing.T) {
		_, err := New(Config{HomeAssistant: HAConfig{Enabled: true, Token: "t"}})
		assert.ErrorContains(t, err, "url")

		_, err = New(Config{HomeAssistant: HAConfig{Enabled: true, URL: "http://ha.local"}})
		assert.ErrorContains(t, err, "token")
	})

	t.Run("MQTTRequiresBroker", func(t *testing.T) {
		_, err := New(Config{MQTT: MQTTConfig{Enabled: true}})
		assert.ErrorContains(t, err, "broker")
	})

	t.Run("DisabledIsNoop", func(t *testing.T) {
		p, err := New(Config{})
		require.NoError(t, err)
		err = p.Publish(context.Background(), types.UsageSnapshot{AccountID: "100001"})
		assert.NoError(t, err)
	})
}

func TestPublishHA(t *testing.T) {
	t.Run("PushesState", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody haStatePayload
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		p, err := New(Config{HomeAssistant: HAConfig{Enabled: true, URL: ts.URL, Token: "secret"}})
		require.NoError(t, err)

		today := 12.345
		snap := types.UsageSnapshot{
			AccountID: "100001",
			FetchedAt: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC),
			TodayKWH:  &today,
		}
		require.NoError(t, p.Publish(context.Background(), snap))

		assert.Equal(t, "/api/states/sensor.gridpulse_100001_today_kwh", gotPath)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "12.35", gotBody.State)
		assert.Equal(t, "kWh", gotBody.Attributes["unit_of_measurement"])
	})

	t.Run("SkipsUnknownReading", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		defer ts.Close()

		p, err := New(Config{HomeAssistant: HAConfig{Enabled: true, URL: ts.URL, Token: "secret"}})
		require.NoError(t, err)

		require.NoError(t, p.Publish(context.Background(), types.UsageSnapshot{AccountID: "100001"}))
		assert.Zero(t, calls, "unknown totals must not be pushed as zero")
	})

	t.Run("SurfacesHTTPError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer ts.Close()

		p, err := New(Config{HomeAssistant: HAConfig{Enabled: true, URL: ts.URL, Token: "bad"}})
		require.NoError(t, err)

		today := 1.0
		err = p.Publish(context.Background(), types.UsageSnapshot{AccountID: "100001", TodayKWH: &today})
		assert.ErrorContains(t, err, "401")
	})
}
