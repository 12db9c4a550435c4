package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/gridpulse/gridpulse/pkg/common"
	"github.com/gridpulse/gridpulse/pkg/log"
	"github.com/gridpulse/gridpulse/pkg/types"
)

const defaultTopicPrefix = "gridpulse"

// Publisher pushes snapshots to MQTT and/or the Home Assistant HTTP API.
// A Publisher with neither enabled is a no-op, so it can always be
// subscribed to the snapshot store.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	haConfig    HAConfig
	httpClient  *http.Client
}

// Configured sets up the publisher from the yaml file named by the
// -publish-config flag.
func Configured() *Publisher {
	configPath := lflag.String("publish-config", "", "Path to the yaml publisher config (MQTT/Home Assistant)")

	p := &Publisher{
		httpClient: common.HTTPClient(10 * time.Second),
	}
	lflag.Do(func() {
		if *configPath == "" {
			return
		}
		cfg, err := LoadConfig(*configPath)
		if err != nil {
			panic(fmt.Sprintf("publisher config: %v", err))
		}
		if err := p.apply(cfg); err != nil {
			panic(fmt.Sprintf("publisher setup: %v", err))
		}
	})
	return p
}

// New builds a Publisher directly from a Config. Used by tests and by
// Configured.
func New(cfg Config) (*Publisher, error) {
	p := &Publisher{
		httpClient: common.HTTPClient(10 * time.Second),
	}
	if err := p.apply(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) apply(cfg Config) error {
	p.haConfig = cfg.HomeAssistant
	if cfg.HomeAssistant.Enabled {
		if cfg.HomeAssistant.URL == "" {
			return fmt.Errorf("home assistant url is required when enabled")
		}
		if cfg.HomeAssistant.Token == "" {
			return fmt.Errorf("home assistant token is required when enabled")
		}
	}

	if !cfg.MQTT.Enabled {
		return nil
	}
	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker address is required when enabled")
	}

	p.topicPrefix = cfg.MQTT.TopicPrefix
	if p.topicPrefix == "" {
		p.topicPrefix = defaultTopicPrefix
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTT.Broker))
	opts.SetClientID("gridpulse")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
	}
	if cfg.MQTT.Password != "" {
		opts.SetPassword(cfg.MQTT.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	p.client = client
	return nil
}

// Publish pushes one committed snapshot. The full snapshot goes to
// <prefix>/<accountID>/state retained, with per-field topics alongside so
// plain MQTT sensors can subscribe without templating.
func (p *Publisher) Publish(ctx context.Context, snap types.UsageSnapshot) error {
	if p.client != nil {
		if err := p.publishMQTT(snap); err != nil {
			return err
		}
	}
	if p.haConfig.Enabled {
		if err := p.publishHA(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishMQTT(snap types.UsageSnapshot) error {
	base := fmt.Sprintf("%s/%s", p.topicPrefix, snap.AccountID)

	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if token := p.client.Publish(base+"/state", 0, true, state); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing state: %w", token.Error())
	}

	fields := map[string]*float64{
		"today_kwh":     snap.TodayKWH,
		"last_hour_kwh": snap.LastHourKWH,
		"month_kwh":     snap.MonthKWH,
	}
	for name, v := range fields {
		if v == nil {
			continue
		}
		payload := strconv.FormatFloat(*v, 'f', -1, 64)
		if token := p.client.Publish(base+"/"+name, 0, true, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s: %w", name, token.Error())
		}
	}
	if token := p.client.Publish(base+"/status", 0, true, string(snap.Status)); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing status: %w", token.Error())
	}
	if snap.EV != nil {
		ev, err := json.Marshal(snap.EV)
		if err != nil {
			return fmt.Errorf("encoding ev usage: %w", err)
		}
		if token := p.client.Publish(base+"/ev", 0, true, ev); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing ev: %w", token.Error())
		}
	}
	return nil
}

// haStatePayload matches Home Assistant's POST /api/states/<entity_id> body.
type haStatePayload struct {
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (p *Publisher) publishHA(ctx context.Context, snap types.UsageSnapshot) error {
	if snap.TodayKWH == nil {
		// unknown reading; don't report a misleading zero
		log.Ctx(ctx).DebugContext(ctx, "skipping home assistant push, today total unknown",
			slog.String("accountID", snap.AccountID))
		return nil
	}

	prefix := p.haConfig.EntityPrefix
	if prefix == "" {
		prefix = "sensor.gridpulse"
	}
	entityID := fmt.Sprintf("%s_%s_today_kwh", prefix, snap.AccountID)

	payload := haStatePayload{
		State: strconv.FormatFloat(*snap.TodayKWH, 'f', 2, 64),
		Attributes: map[string]string{
			"unit_of_measurement": "kWh",
			"device_class":        "energy",
			"fetched_at":          snap.FetchedAt.Format(time.RFC3339),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/api/states/%s", p.haConfig.URL, entityID)
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.haConfig.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP error: status %d, response: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Close disconnects from the MQTT broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
