//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"miio-fan/internal/coordinator"
	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
)

// Config holds MQTT bridge configuration.
type Config struct {
	BrokerConfig
	TopicPrefix     string
	DiscoveryPrefix string
	// RemoveDiscovery deletes the HA entities on Stop.
	RemoveDiscovery bool
}

// commandOrder is the order in which keys of a JSON command are applied.
var commandOrder = []string{"state", "preset_mode", "percentage", "oscillation", "buzzer", "child_lock", "delay_off"}

// Bridge exposes the fan to Home Assistant over MQTT.
type Bridge struct {
	coord           *coordinator.Coordinator
	info            coordinator.Info
	prefix          string
	topics          topics
	discoveryPrefix string
	removeOnStop    bool
	logger          *slog.Logger
	unsub           func()

	mu     sync.Mutex
	client client
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, coord, cfg, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "miio-fan-bridge-" + b.info.DID
	}

	opts := newClientOptions(cfg.BrokerConfig).
		SetWill(b.topics.bridge, "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.setClient(c)
			b.announce()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	c, err := connect(opts)
	if err != nil {
		return nil, err
	}
	b.setClient(c)
	return b, nil
}

func newBridge(c client, coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	info := coord.Info()
	return &Bridge{
		client:          c,
		coord:           coord,
		info:            info,
		prefix:          cfg.TopicPrefix,
		topics:          fanTopics(cfg.TopicPrefix, info),
		discoveryPrefix: cfg.DiscoveryPrefix,
		removeOnStop:    cfg.RemoveDiscovery,
		logger:          logger.With("component", "mqtt"),
	}
}

func (b *Bridge) setClient(c client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = c
}

func (b *Bridge) getClient() client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "state_topic", b.topics.state)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if b.removeOnStop {
		for _, msg := range buildRemoveDiscovery(b.info, b.discoveryPrefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publish(b.topics.bridge, []byte("offline"), true)
	if c := b.getClient(); c != nil {
		c.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

// announce runs on every (re)connect.
func (b *Bridge) announce() {
	b.publish(b.topics.bridge, []byte("online"), true)
	for _, msg := range buildDiscovery(b.info, b.prefix, b.discoveryPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "did", b.info.DID, "name", displayName(b.info))
	b.subscribeCommands()

	b.publishAvailability(b.coord.Info().Available)
	if st, _ := b.coord.LastStatus(); st != nil {
		b.publishState(st)
	}
}

func (b *Bridge) subscribeCommands() {
	c := b.getClient()
	if c == nil {
		return
	}
	c.Subscribe(b.topics.set, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
	c.Subscribe(b.topics.set+"/+", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleTopicCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStatus:
		if st, ok := event.Data.(*fan.Status); ok {
			b.publishState(st)
		}
	case coordinator.EventAvailability:
		if a, ok := event.Data.(coordinator.Availability); ok {
			b.publishAvailability(a.Available)
		}
	}
}

func (b *Bridge) publishState(st *fan.Status) {
	b.publish(b.topics.state, mustJSON(statePayload(st)), true)
}

func (b *Bridge) publishAvailability(ok bool) {
	payload := "offline"
	if ok {
		payload = "online"
	}
	b.publish(b.topics.availability, []byte(payload), true)
}

// handleCommand applies a JSON command such as {"state":"ON","percentage":2}.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	for _, key := range commandOrder {
		value, ok := cmd[key]
		if !ok {
			continue
		}
		delete(cmd, key)
		if err := b.apply(ctx, key, value); err != nil {
			b.logger.Warn("command failed", "key", key, "value", value, "err", err)
		}
	}
	for key := range cmd {
		b.logger.Warn("unknown command key", "key", key)
	}
}

// handleTopicCommand applies a plain payload sent to <set>/<key>.
func (b *Bridge) handleTopicCommand(topic string, payload []byte) {
	key := strings.TrimPrefix(topic, b.topics.set+"/")
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		value = strings.TrimSpace(string(payload))
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	if err := b.apply(ctx, key, value); err != nil {
		b.logger.Warn("command failed", "key", key, "value", value, "err", err)
	}
}

func (b *Bridge) apply(ctx context.Context, key string, value any) error {
	var err error
	switch key {
	case "state":
		if s, ok := value.(string); ok && strings.EqualFold(s, "toggle") {
			value = !b.isOn()
		}
		on, ok := miot.ToBool(value)
		if !ok {
			return fmt.Errorf("invalid state %v", value)
		}
		_, err = b.coord.SetPower(ctx, on)
	case "percentage":
		n, ok := miot.ToInt(value)
		if !ok {
			return fmt.Errorf("invalid percentage %v", value)
		}
		_, err = b.coord.SetSpeed(ctx, n)
	case "preset_mode":
		s, _ := value.(string)
		switch {
		case strings.EqualFold(s, fan.ModeNature.String()):
			_, err = b.coord.SetNaturalMode(ctx, true)
		case strings.EqualFold(s, fan.ModeNormal.String()):
			_, err = b.coord.SetNaturalMode(ctx, false)
		default:
			return fmt.Errorf("invalid preset mode %v", value)
		}
	case "oscillation", "buzzer", "child_lock":
		on, ok := miot.ToBool(value)
		if !ok {
			return fmt.Errorf("invalid %s %v", key, value)
		}
		switch key {
		case "oscillation":
			_, err = b.coord.SetOscillation(ctx, on)
		case "buzzer":
			_, err = b.coord.SetBuzzer(ctx, on)
		default:
			_, err = b.coord.SetChildLock(ctx, on)
		}
	case "delay_off":
		n, ok := miot.ToInt(value)
		if !ok {
			return fmt.Errorf("invalid delay_off %v", value)
		}
		_, err = b.coord.SetPowerOffDelay(ctx, n)
	default:
		return fmt.Errorf("unknown command %q", key)
	}
	return err
}

func (b *Bridge) isOn() bool {
	st, _ := b.coord.LastStatus()
	if st == nil {
		return false
	}
	on, _ := st.IsOn()
	return on
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	c := b.getClient()
	if c == nil {
		return
	}
	token := c.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
