package mqtt

import "github.com/nugget/heatsync/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery config this device publishes, so HA groups the
// entities under one device page.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SWVersion    string      `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained after every broker connect.
type SensorConfig struct {
	Name                      string     `json:"name"`
	ObjectID                  string     `json:"object_id,omitempty"`
	HasEntityName             bool       `json:"has_entity_name,omitempty"`
	UniqueID                  string     `json:"unique_id"`
	StateTopic                string     `json:"state_topic"`
	AvailabilityTopic         string     `json:"availability_topic"`
	Device                    DeviceInfo `json:"device"`
	DeviceClass               string     `json:"device_class,omitempty"`
	Icon                      string     `json:"icon,omitempty"`
	UnitOfMeasurement         string     `json:"unit_of_measurement,omitempty"`
	StateClass                string     `json:"state_class,omitempty"`
	ValueTemplate             string     `json:"value_template,omitempty"`
	SuggestedDisplayPrecision int        `json:"suggested_display_precision,omitempty"`
}

// NewDeviceInfo builds the registry block. deviceID is the payload
// deviceId and the stable HA identifier; when it is a MAC address it is
// also listed as a network connection.
func NewDeviceInfo(deviceID, name, model string, mac bool) DeviceInfo {
	d := DeviceInfo{
		Identifiers:  []string{"heatsync_" + deviceID},
		Name:         name,
		Manufacturer: "HeatSync",
		Model:        model,
		SWVersion:    buildinfo.Version,
	}
	if mac {
		d.Connections = [][2]string{{"mac", deviceID}}
	}
	return d
}
