// Package transport is the ingress/egress adapter between the broker and
// the drone fleet's MQTT-style pub/sub transport. It subscribes to per-drone
// telemetry and ack topics with at-least-once delivery and publishes
// commands with the same guarantee.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"dronefleet/broker/internal/apierror"
	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/logging"
)

const (
	telemetryTopicFilter = "drones/+/telemetry"
	ackTopicFilter       = "drones/+/ack"
	commandTopicTemplate = "drones/%s/commands"

	qosAtLeastOnce = byte(1)
)

// wireTelemetry mirrors the JSON layout documented for the drone transport.
type wireTelemetry struct {
	MissionID string  `json:"mission_id"`
	Timestamp string  `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Alt       float64 `json:"alt"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Battery   float64 `json:"battery"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Signal    float64 `json:"signal"`
}

// wireAck mirrors the JSON layout documented for drone command acks.
type wireAck struct {
	CommandID string `json:"cmd_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// wireCommand mirrors the JSON layout published on a drone's command topic.
type wireCommand struct {
	CommandID string `json:"commandId"`
	MissionID string `json:"missionId"`
	DroneID   string `json:"droneId"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	IssuedBy  string `json:"issuedBy"`
}

// Config controls how the adapter connects to the broker.
type Config struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	ConnectRetry time.Duration
}

// Adapter owns the single long-lived MQTT connection used for ingress and
// command egress.
type Adapter struct {
	client mqtt.Client
	logger *logging.Logger

	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
}

// New constructs an Adapter and dials the broker. The returned Adapter is
// not yet subscribed; call StartIngest to begin delivering records.
func New(cfg Config, logger *logging.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("transport: broker url must not be empty")
	}
	adapter := &Adapter{logger: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			adapter.reconnects.Add(1)
			if logger != nil {
				logger.Info("transport connected", logging.String("broker", cfg.BrokerURL))
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if logger != nil {
				logger.Warn("transport connection lost", logging.Error(err))
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, apierror.Transport(fmt.Errorf("transport: connect timed out"))
	}
	if err := token.Error(); err != nil {
		return nil, apierror.Transport(err)
	}
	adapter.client = client
	return adapter, nil
}

// DecodeErrors returns the count of payloads that failed to decode since
// startup. Decode failures are logged and counted but never stop the loop.
func (a *Adapter) DecodeErrors() uint64 { return a.decodeErrors.Load() }

// Reconnects returns the count of (re)connections established since startup.
func (a *Adapter) Reconnects() uint64 { return a.reconnects.Load() }

// StartIngest subscribes to the telemetry and ack wildcard topics, decoding
// each payload and handing it to the supplied sink. Subscription failures
// are returned synchronously; per-message decode failures never stop the
// subscription.
func (a *Adapter) StartIngest(onTelemetry func(domain.TelemetryRecord), onAck func(domain.AckRecord)) error {
	if a == nil || a.client == nil {
		return apierror.Transport(fmt.Errorf("transport: adapter not connected"))
	}

	telemetryHandler := func(_ mqtt.Client, msg mqtt.Message) {
		rec, err := decodeTelemetry(msg.Topic(), msg.Payload())
		if err != nil {
			a.decodeErrors.Add(1)
			if a.logger != nil {
				a.logger.Warn("dropping undecodable telemetry payload", logging.Error(err), logging.String("topic", msg.Topic()))
			}
			return
		}
		if onTelemetry != nil {
			onTelemetry(rec)
		}
	}
	if token := a.client.Subscribe(telemetryTopicFilter, qosAtLeastOnce, telemetryHandler); token.Wait() && token.Error() != nil {
		return apierror.Transport(token.Error())
	}

	ackHandler := func(_ mqtt.Client, msg mqtt.Message) {
		ack, err := decodeAck(msg.Topic(), msg.Payload())
		if err != nil {
			a.decodeErrors.Add(1)
			if a.logger != nil {
				a.logger.Warn("dropping undecodable ack payload", logging.Error(err), logging.String("topic", msg.Topic()))
			}
			return
		}
		if onAck != nil {
			onAck(ack)
		}
	}
	if token := a.client.Subscribe(ackTopicFilter, qosAtLeastOnce, ackHandler); token.Wait() && token.Error() != nil {
		return apierror.Transport(token.Error())
	}
	return nil
}

// SendCommand serializes and publishes cmd to the drone's command topic,
// returning once the broker confirms delivery or ctx is done.
func (a *Adapter) SendCommand(ctx context.Context, cmd domain.CommandRecord) error {
	if a == nil || a.client == nil {
		return apierror.Transport(fmt.Errorf("transport: adapter not connected"))
	}
	wire := wireCommand{
		CommandID: cmd.CommandID,
		MissionID: cmd.MissionID,
		DroneID:   cmd.DroneID,
		Action:    string(cmd.Action),
		Timestamp: cmd.IssuedAt.UTC().Format(time.RFC3339),
		IssuedBy:  cmd.IssuedBy,
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return apierror.Internal(fmt.Errorf("marshal command: %w", err))
	}
	topic := fmt.Sprintf(commandTopicTemplate, cmd.DroneID)
	token := a.client.Publish(topic, qosAtLeastOnce, false, payload)

	done := make(chan error, 1)
	go func() {
		token.Wait()
		done <- token.Error()
	}()
	select {
	case <-ctx.Done():
		return apierror.Cancelled()
	case err := <-done:
		if err != nil {
			return apierror.Transport(err)
		}
		return nil
	}
}

// Close disconnects from the broker, waiting up to the supplied grace
// period for in-flight acknowledgments to drain.
func (a *Adapter) Close(grace time.Duration) {
	if a == nil || a.client == nil {
		return
	}
	a.client.Disconnect(uint(grace.Milliseconds()))
}

func droneIDFromTopic(topic string) string {
	//1.- Topics follow drones/{id}/telemetry|ack; the id is always segment 1.
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func decodeTelemetry(topic string, payload []byte) (domain.TelemetryRecord, error) {
	var wire wireTelemetry
	if err := json.Unmarshal(payload, &wire); err != nil {
		return domain.TelemetryRecord{}, err
	}
	sentAt, err := time.Parse(time.RFC3339, wire.Timestamp)
	if err != nil {
		return domain.TelemetryRecord{}, fmt.Errorf("parse timestamp %q: %w", wire.Timestamp, err)
	}
	rec := domain.TelemetryRecord{
		DroneID:     droneIDFromTopic(topic),
		MissionID:   wire.MissionID,
		SentAt:      sentAt,
		Position:    domain.Position{Lat: wire.Lat, Lon: wire.Lon, AltM: wire.Alt},
		Velocity:    domain.Velocity{SpeedMps: wire.Speed, HeadingDeg: wire.Heading},
		BatteryPct:  wire.Battery,
		DroneStatus: wire.Status,
		ProgressPct: wire.Progress,
		Signal:      wire.Signal,
	}
	if !rec.Valid() {
		return domain.TelemetryRecord{}, fmt.Errorf("telemetry record failed validation for drone %q", rec.DroneID)
	}
	return rec, nil
}

func decodeAck(topic string, payload []byte) (domain.AckRecord, error) {
	var wire wireAck
	if err := json.Unmarshal(payload, &wire); err != nil {
		return domain.AckRecord{}, err
	}
	if wire.CommandID == "" {
		return domain.AckRecord{}, fmt.Errorf("ack missing cmd_id")
	}
	return domain.AckRecord{
		CommandID: wire.CommandID,
		DroneID:   droneIDFromTopic(topic),
		Status:    domain.AckStatus(wire.Status),
		AckedAt:   time.Now().UTC(),
		Reason:    wire.Reason,
	}, nil
}
