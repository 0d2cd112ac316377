package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hearthwire/hearthwire-core/internal/infrastructure/mqtt"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
)

// TypeMQTT is the registry name of the message-broker integration.
const TypeMQTT = "mqtt"

// mqttConfig is the shape of the per-user config blob.
type mqttConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	Prefix   string `json:"prefix"`
	QoS      int    `json:"qos"`
}

// MQTTIntegration publishes object changes to a message broker in two
// topic shapes: the raw object shape ({prefix}/{serial}/{object_type}
// and per-field subtopics) and a normalised discovery shape
// ({prefix}/{serial}/ha/{capability}). It subscribes to inbound command
// topics and translates them back into state writes, authorising
// against the owning user's device set.
type MQTTIntegration struct {
	deps   Deps
	userID string
	cfg    mqttConfig
	client *mqtt.Client
}

// NewMQTTIntegration is the Factory for TypeMQTT.
func NewMQTTIntegration(deps Deps, cfg store.IntegrationConfig) (Integration, error) {
	var mc mqttConfig
	blob, err := json.Marshal(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("re-encoding config blob: %w", err)
	}
	if err := json.Unmarshal(blob, &mc); err != nil {
		return nil, fmt.Errorf("parsing mqtt config: %w", err)
	}

	if mc.Host == "" {
		return nil, fmt.Errorf("mqtt config missing host")
	}
	if mc.Port == 0 {
		mc.Port = 1883
	}
	if mc.Prefix == "" {
		mc.Prefix = "hearthwire"
	}
	if mc.ClientID == "" {
		mc.ClientID = "hearthwire-" + cfg.UserID
	}

	return &MQTTIntegration{
		deps:   deps,
		userID: cfg.UserID,
		cfg:    mc,
	}, nil
}

// Initialize connects to the broker, registers the availability last
// will, and subscribes to the inbound command topics.
func (i *MQTTIntegration) Initialize(_ context.Context) error {
	client, err := mqtt.Connect(mqtt.Config{
		Host:     i.cfg.Host,
		Port:     i.cfg.Port,
		TLS:      i.cfg.TLS,
		ClientID: i.cfg.ClientID,
		Username: i.cfg.Username,
		Password: i.cfg.Password,
		QoS:      i.cfg.QoS,
		Will: &mqtt.WillConfig{
			Topic:          i.cfg.Prefix + "/availability",
			OnlinePayload:  "online",
			OfflinePayload: "offline",
		},
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	i.client = client

	commandTopic := i.cfg.Prefix + "/+/command/#"
	if err := client.Subscribe(commandTopic, byte(i.cfg.QoS), i.handleCommand); err != nil {
		client.Close() //nolint:errcheck
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	i.deps.Logger.Info("mqtt integration connected",
		"user", i.userID,
		"broker", fmt.Sprintf("%s:%d", i.cfg.Host, i.cfg.Port),
		"prefix", i.cfg.Prefix,
	)
	return nil
}

// OnStateChange publishes the raw object and discovery shapes.
func (i *MQTTIntegration) OnStateChange(serial, key string, _, _ int64, value state.Value) {
	if i.client == nil || value == nil {
		return
	}
	objectType := state.KeyType(key)

	// Raw object shape: full value retained, then per-field scalars.
	base := fmt.Sprintf("%s/%s/%s", i.cfg.Prefix, serial, objectType)
	if err := i.client.PublishJSON(base, value, true); err != nil {
		i.deps.Logger.Warn("mqtt object publish failed", "topic", base, "error", err)
		return
	}
	for field, fv := range value {
		topic := base + "/" + field
		if err := i.client.Publish(topic, scalarPayload(fv), byte(i.cfg.QoS), true); err != nil {
			i.deps.Logger.Warn("mqtt field publish failed", "topic", topic, "error", err)
		}
	}

	i.publishDiscovery(serial, objectType, value)
}

// publishDiscovery emits the normalised per-capability documents.
func (i *MQTTIntegration) publishDiscovery(serial, objectType string, value state.Value) {
	switch objectType {
	case "shared":
		doc := state.Value{
			"current_temperature": value["current_temperature"],
			"target_temperature":  value["target_temperature"],
			"mode":                value["target_temperature_type"],
			"heating":             value["hvac_heater_state"],
			"cooling":             value["hvac_ac_state"],
		}
		i.publishCapability(serial, "climate", doc)
	case "device":
		i.publishCapability(serial, "fan", state.Value{
			"mode":     value["fan_mode"],
			"state":    value["fan_control_state"],
			"duration": value["fan_timer_duration"],
		})
		i.publishCapability(serial, "occupancy", state.Value{
			"away":          value["away"],
			"vacation_mode": value["vacation_mode"],
		})
	}
}

func (i *MQTTIntegration) publishCapability(serial, capability string, doc state.Value) {
	topic := fmt.Sprintf("%s/%s/ha/%s", i.cfg.Prefix, serial, capability)
	if err := i.client.PublishJSON(topic, doc, true); err != nil {
		i.deps.Logger.Warn("mqtt discovery publish failed", "topic", topic, "error", err)
	}
}

// OnDeviceConnected publishes device presence.
func (i *MQTTIntegration) OnDeviceConnected(serial string) {
	if i.client == nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/online", i.cfg.Prefix, serial)
	//nolint:errcheck // Presence is best effort
	i.client.PublishString(topic, "true", true)
}

// OnDeviceDisconnected publishes device absence.
func (i *MQTTIntegration) OnDeviceDisconnected(serial string) {
	if i.client == nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/online", i.cfg.Prefix, serial)
	//nolint:errcheck // Presence is best effort
	i.client.PublishString(topic, "false", true)
}

// Shutdown disconnects from the broker, publishing the offline
// availability payload first.
func (i *MQTTIntegration) Shutdown(context.Context) {
	if i.client != nil {
		i.client.Close() //nolint:errcheck
	}
}

// handleCommand translates an inbound broker message into a state
// write: {prefix}/{serial}/command/{object_type}/{field} with the new
// value as payload.
func (i *MQTTIntegration) handleCommand(topic string, payload []byte) error {
	serial, objectType, field, ok := i.parseCommandTopic(topic)
	if !ok {
		return fmt.Errorf("unparseable command topic %q", topic)
	}

	ctx := context.Background()

	allowed, err := i.authorised(ctx, serial)
	if err != nil {
		return fmt.Errorf("authorising command: %w", err)
	}
	if !allowed {
		i.deps.Logger.Warn("mqtt command for foreign serial rejected",
			"user", i.userID, "serial", serial)
		return nil
	}

	key := objectType + "." + serial
	bucket := state.BucketFor(key, serial)
	res, err := i.deps.State.ApplyMerge(ctx, bucket, key, state.Value{field: parseScalar(payload)})
	if err != nil {
		return fmt.Errorf("applying command: %w", err)
	}
	if res.Changed && i.deps.Notifier != nil {
		i.deps.Notifier.NotifyAll(ctx, serial, []*state.Object{res.Object})
	}
	return nil
}

// parseCommandTopic splits {prefix}/{serial}/command/{object_type}/{field}.
func (i *MQTTIntegration) parseCommandTopic(topic string) (serial, objectType, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, i.cfg.Prefix+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "command" {
		return "", "", "", false
	}
	return parts[0], parts[2], parts[3], true
}

// authorised checks the serial against the user's owned and shared
// device sets.
func (i *MQTTIntegration) authorised(ctx context.Context, serial string) (bool, error) {
	if i.deps.Access == nil {
		return false, nil
	}
	owned, err := i.deps.Access.ListUserDevices(ctx, i.userID)
	if err != nil {
		return false, err
	}
	for _, s := range owned {
		if s == serial {
			return true, nil
		}
	}
	shared, err := i.deps.Access.GetSharedWithMe(ctx, i.userID)
	if err != nil {
		return false, err
	}
	for _, s := range shared {
		if s == serial {
			return true, nil
		}
	}
	return false, nil
}

// scalarPayload renders a field value for its per-field topic: strings
// bare, everything else JSON.
func scalarPayload(v any) []byte {
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return b
}

// parseScalar decodes an inbound payload: JSON when it parses, bare
// string or number otherwise.
func parseScalar(payload []byte) any {
	text := strings.TrimSpace(string(payload))
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return text
}
