//go:build no_mqtt

package main

import (
	"log/slog"

	"miio-fan/internal/coordinator"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt.enabled is set but the bridge was not compiled in (no_mqtt)")
	}
	return &mqttStopper{}
}
