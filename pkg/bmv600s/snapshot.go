package bmv600s

import (
	"encoding/json"
	"time"
)

// AlarmReasonNone is reported while no alarm condition is active.
const AlarmReasonNone = "none"

// Snapshot is one complete set of readings decoded from a single checksum
// validated block. All values are kept in the monitor's native units.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Live readings
	Voltage        int `json:"voltage"`         // mV
	Current        int `json:"current"`         // mA
	ConsumedEnergy int `json:"consumed_energy"` // mAh
	StateOfCharge  int `json:"state_of_charge"` // promille
	TimeToGo       int `json:"time_to_go"`      // minutes

	// Alarm/relay state
	Alarm       bool   `json:"alarm"`
	Relay       bool   `json:"relay"`
	AlarmReason string `json:"alarm_reason"`

	// Device info
	ModelName       string `json:"model_name"`
	FirmwareVersion string `json:"firmware_version"`

	// Historical data
	DeepestDischarge       int `json:"deepest_discharge"`         // mAh
	LastDischarge          int `json:"last_discharge"`            // mAh
	AverageDischarge       int `json:"average_discharge"`         // mAh
	ChargeCycles           int `json:"charge_cycles"`
	FullDischarges         int `json:"full_discharges"`
	CumulativeDrawn        int `json:"cumulative_drawn"`          // mAh
	MinVoltage             int `json:"min_voltage"`               // mV
	MaxVoltage             int `json:"max_voltage"`               // mV
	SecondsSinceFullCharge int `json:"seconds_since_full_charge"`
	AutomaticSyncs         int `json:"automatic_syncs"`
	LowVoltageAlarms       int `json:"low_voltage_alarms"`
	HighVoltageAlarms      int `json:"high_voltage_alarms"`

	// Fields the monitor sent but this package does not know about,
	// passed through without decoding.
	Extra map[string]string `json:"extra,omitempty"`
}

// NewSnapshot returns a snapshot with every field at its protocol default,
// ready to be filled from a decoded block.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Timestamp:   time.Now(),
		AlarmReason: AlarmReasonNone,
	}
}

// setExtra records an unknown field code verbatim.
func (s *Snapshot) setExtra(code, value string) {
	if s.Extra == nil {
		s.Extra = make(map[string]string)
	}
	s.Extra[code] = value
}

// ToJsonBytes serializes the snapshot for HTTP and websocket delivery.
func (s *Snapshot) ToJsonBytes() []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return data
}
