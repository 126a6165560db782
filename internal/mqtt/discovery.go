package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/heatsync/internal/config"
)

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Settings is everything both MQTT clients need beyond the broker
// section of the config file.
type Settings struct {
	MQTT config.MQTTConfig

	// DeviceName scopes the availability and discovery topics.
	DeviceName string
	// DeviceID is the payload deviceId.
	DeviceID string
	// DeviceIDIsMAC marks DeviceID as a hardware address.
	DeviceIDIsMAC bool
	Model         string

	// StateTopic is the telemetry topic the discovery entities read.
	StateTopic string
	// ContentType is attached to MQTT 5 publishes.
	ContentType string
	// PlainPayload means the telemetry is a bare temperature string.
	PlainPayload bool
	// Humidity adds a humidity entity to discovery.
	Humidity bool

	Logger *slog.Logger
}

func (s Settings) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Settings) baseTopic() string {
	return "heatsync/" + s.DeviceName
}

// AvailabilityTopic carries the retained online/offline status.
func (s Settings) AvailabilityTopic() string {
	return s.baseTopic() + "/availability"
}

func (s Settings) discoveryTopic(component, entity string) string {
	return s.MQTT.DiscoveryPrefix + "/" + component + "/" + s.DeviceName + "/" + entity + "/config"
}

// clientID falls back to a name-derived id.
func (s Settings) clientID() string {
	if s.MQTT.ClientID != "" {
		return s.MQTT.ClientID
	}
	return "heatsync-" + s.DeviceName
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (s Settings) sensorDefinitions() []sensorDef {
	device := NewDeviceInfo(s.DeviceID, s.DeviceName, s.Model, s.DeviceIDIsMAC)
	uid := strings.NewReplacer(":", "", "-", "").Replace(s.DeviceID)
	avail := s.AvailabilityTopic()

	tempTemplate := "{{ value_json.temperature }}"
	if s.PlainPayload {
		tempTemplate = "{{ value }}"
	}

	defs := []sensorDef{
		{
			entity: "temperature",
			config: SensorConfig{
				Name:                      "Temperature",
				HasEntityName:             true,
				UniqueID:                  "heatsync_" + uid + "_temperature",
				StateTopic:                s.StateTopic,
				AvailabilityTopic:         avail,
				Device:                    device,
				DeviceClass:               "temperature",
				UnitOfMeasurement:         "°C",
				StateClass:                "measurement",
				ValueTemplate:             tempTemplate,
				SuggestedDisplayPrecision: 1,
			},
		},
	}

	if s.Humidity && !s.PlainPayload {
		defs = append(defs, sensorDef{
			entity: "humidity",
			config: SensorConfig{
				Name:                      "Humidity",
				HasEntityName:             true,
				UniqueID:                  "heatsync_" + uid + "_humidity",
				StateTopic:                s.StateTopic,
				AvailabilityTopic:         avail,
				Device:                    device,
				DeviceClass:               "humidity",
				UnitOfMeasurement:         "%",
				StateClass:                "measurement",
				ValueTemplate:             "{{ value_json.humidity }}",
				SuggestedDisplayPrecision: 0,
			},
		})
	}
	return defs
}

// message is one outbound publish made outside the telemetry path.
type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// announcements returns the discovery configs followed by the birth
// message. Discovery is skipped when no prefix is configured.
func (s Settings) announcements() ([]message, error) {
	var msgs []message
	if s.MQTT.DiscoveryPrefix != "" {
		for _, d := range s.sensorDefinitions() {
			data, err := json.Marshal(d.config)
			if err != nil {
				return nil, fmt.Errorf("marshal %s discovery config: %w", d.entity, err)
			}
			msgs = append(msgs, message{
				topic:   s.discoveryTopic("sensor", d.entity),
				payload: data,
				qos:     1,
				retain:  true,
			})
		}
	}
	msgs = append(msgs, s.availability(availabilityOnline))
	return msgs, nil
}

func (s Settings) availability(status string) message {
	return message{
		topic:   s.AvailabilityTopic(),
		payload: []byte(status),
		qos:     1,
		retain:  true,
	}
}
