package event

import "encoding/json"

// EventPayload is the tagged-union payload carried by a CanonicalEvent.
// The core treats it as opaque canonical bytes; only its serialization
// matters for hashing. Field shapes below are grounded on the domain
// payloads of the system this fabric was distilled from.
type EventPayload struct {
	GPS       *GPSPayload       `json:"gps,omitempty"`
	AIS       *AISPayload       `json:"ais,omitempty"`
	Telemetry *TelemetryPayload `json:"telemetry,omitempty"`
	System    *SystemPayload    `json:"system,omitempty"`
	Fleet     *FleetPayload     `json:"fleet,omitempty"`
	Mission   *MissionPayload   `json:"mission,omitempty"`
	Alert     *AlertPayload     `json:"alert,omitempty"`
	Custom    *CustomPayload    `json:"custom,omitempty"`
}

// GPSPayload carries raw positioning data.
type GPSPayload struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Altitude   float64 `json:"altitude"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	HDOP       float64 `json:"hdop"`
	Satellites int     `json:"satellites"`
}

// AISPayload carries Automatic Identification System vessel reports.
type AISPayload struct {
	MMSI        string  `json:"mmsi"`
	VesselName  string  `json:"vessel_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Speed       float64 `json:"speed"`
	Course      float64 `json:"course"`
	Heading     float64 `json:"heading"`
	NavStatus   string  `json:"nav_status"`
	MessageType int     `json:"message_type"`
}

// TelemetryPayload carries an arbitrary sensor reading.
type TelemetryPayload struct {
	SensorType string                 `json:"sensor_type"`
	Unit       string                 `json:"unit"`
	Value      float64                `json:"value"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SystemSubtype classifies a SystemPayload.
type SystemSubtype string

const (
	SystemStartup      SystemSubtype = "STARTUP"
	SystemShutdown     SystemSubtype = "SHUTDOWN"
	SystemError        SystemSubtype = "ERROR"
	SystemWarning      SystemSubtype = "WARNING"
	SystemConfigChange SystemSubtype = "CONFIG_CHANGE"
)

// SystemPayload carries a node's own lifecycle/diagnostic event.
type SystemPayload struct {
	Subtype   SystemSubtype `json:"subtype"`
	Message   string        `json:"message"`
	ErrorCode string        `json:"error_code,omitempty"`
	Context   string        `json:"context,omitempty"`
}

// FleetPayload carries a fleet-asset state change.
type FleetPayload struct {
	AssetID string                 `json:"asset_id"`
	State   string                 `json:"state"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MissionPayload carries mission dispatch/schedule/correlation data.
type MissionPayload struct {
	MissionID string                 `json:"mission_id"`
	Phase     string                 `json:"phase"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AlertPayload carries an operator-facing alarm.
type AlertPayload struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// CustomPayload is the open escape hatch for payload shapes the core does
// not model natively.
type CustomPayload struct {
	TypeName string                 `json:"type_name"`
	Data     map[string]interface{} `json:"data"`
}

// UnmarshalJSON recovers the variant from the untagged form by probing
// for each variant's discriminating field, in the same order MarshalJSON
// emits them. An object that matches no variant is decoded into Custom,
// which keeps only its type_name and data fields.
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	*p = EventPayload{}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe == nil {
		return nil
	}

	decode := func(v interface{}) error { return json.Unmarshal(data, v) }
	switch {
	case hasKey(probe, "hdop"):
		p.GPS = &GPSPayload{}
		return decode(p.GPS)
	case hasKey(probe, "mmsi"):
		p.AIS = &AISPayload{}
		return decode(p.AIS)
	case hasKey(probe, "sensor_type"):
		p.Telemetry = &TelemetryPayload{}
		return decode(p.Telemetry)
	case hasKey(probe, "subtype"):
		p.System = &SystemPayload{}
		return decode(p.System)
	case hasKey(probe, "asset_id"):
		p.Fleet = &FleetPayload{}
		return decode(p.Fleet)
	case hasKey(probe, "mission_id"):
		p.Mission = &MissionPayload{}
		return decode(p.Mission)
	case hasKey(probe, "severity"):
		p.Alert = &AlertPayload{}
		return decode(p.Alert)
	default:
		p.Custom = &CustomPayload{}
		return decode(p.Custom)
	}
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// MarshalJSON renders only the populated variant, matching the untagged
// serde representation the payload was modeled on.
func (p EventPayload) MarshalJSON() ([]byte, error) {
	switch {
	case p.GPS != nil:
		return json.Marshal(p.GPS)
	case p.AIS != nil:
		return json.Marshal(p.AIS)
	case p.Telemetry != nil:
		return json.Marshal(p.Telemetry)
	case p.System != nil:
		return json.Marshal(p.System)
	case p.Fleet != nil:
		return json.Marshal(p.Fleet)
	case p.Mission != nil:
		return json.Marshal(p.Mission)
	case p.Alert != nil:
		return json.Marshal(p.Alert)
	case p.Custom != nil:
		return json.Marshal(p.Custom)
	default:
		return []byte("null"), nil
	}
}
