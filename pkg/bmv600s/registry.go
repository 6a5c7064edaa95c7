package bmv600s

import (
	"fmt"
	"strconv"
	"strings"
)

// DecodeKind identifies how a field's raw text is interpreted.
type DecodeKind int

const (
	DecodeInt DecodeKind = iota
	DecodeBool
	DecodeBitmask
	DecodeString
)

// onValue is the exact token the monitor sends for an active flag. Anything
// else decodes to false.
const onValue = "ON"

// FieldDescriptor ties a protocol field code to its semantic name and value
// decoder. Descriptors live in the package level field table, which is built
// once and never mutated.
type FieldDescriptor struct {
	Code string
	Name string
	Kind DecodeKind

	apply func(s *Snapshot, raw string) error
}

// Decode interprets raw and stores the result in s. Numeric fields treat an
// empty value as zero and reject anything that does not parse; flag and text
// fields never fail.
func (d FieldDescriptor) Decode(s *Snapshot, raw string) error {
	return d.apply(s, raw)
}

// LookupField returns the descriptor registered for a field code.
func LookupField(code string) (FieldDescriptor, bool) {
	d, ok := fieldTable[code]
	return d, ok
}

// alarmReasonBits lists the known AR bits in ascending order. Rendering
// order follows bit order.
var alarmReasonBits = []struct {
	bit  int
	name string
}{
	{1, "low_voltage"},
	{2, "high_voltage"},
	{4, "low_state_of_charge"},
}

// AlarmReasonLabel renders an AR bitmask as pipe separated reason names.
// Unknown bits are ignored; a mask with no known bit set renders as
// AlarmReasonNone.
func AlarmReasonLabel(mask int) string {
	var names []string
	for _, r := range alarmReasonBits {
		if mask&r.bit != 0 {
			names = append(names, r.name)
		}
	}
	if len(names) == 0 {
		return AlarmReasonNone
	}
	return strings.Join(names, "|")
}

func decodeInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad integer value %q", raw)
	}
	return v, nil
}

func intField(code, name string, set func(*Snapshot, int)) FieldDescriptor {
	return FieldDescriptor{
		Code: code,
		Name: name,
		Kind: DecodeInt,
		apply: func(s *Snapshot, raw string) error {
			v, err := decodeInt(raw)
			if err != nil {
				return fmt.Errorf("field %s (%s): %w", code, name, err)
			}
			set(s, v)
			return nil
		},
	}
}

func boolField(code, name string, set func(*Snapshot, bool)) FieldDescriptor {
	return FieldDescriptor{
		Code: code,
		Name: name,
		Kind: DecodeBool,
		apply: func(s *Snapshot, raw string) error {
			set(s, raw == onValue)
			return nil
		},
	}
}

func bitmaskField(code, name string, set func(*Snapshot, string)) FieldDescriptor {
	return FieldDescriptor{
		Code: code,
		Name: name,
		Kind: DecodeBitmask,
		apply: func(s *Snapshot, raw string) error {
			v, err := decodeInt(raw)
			if err != nil {
				return fmt.Errorf("field %s (%s): %w", code, name, err)
			}
			set(s, AlarmReasonLabel(v))
			return nil
		},
	}
}

func stringField(code, name string, set func(*Snapshot, string)) FieldDescriptor {
	return FieldDescriptor{
		Code: code,
		Name: name,
		Kind: DecodeString,
		apply: func(s *Snapshot, raw string) error {
			set(s, raw)
			return nil
		},
	}
}

// fieldTable covers every field the BMV-600S emits. The H1..H12 historical
// registers are named after their meanings in the BMV manual.
var fieldTable = makeFieldTable(
	intField("V", "voltage", func(s *Snapshot, v int) { s.Voltage = v }),
	intField("I", "current", func(s *Snapshot, v int) { s.Current = v }),
	intField("CE", "consumed_energy", func(s *Snapshot, v int) { s.ConsumedEnergy = v }),
	intField("SOC", "state_of_charge", func(s *Snapshot, v int) { s.StateOfCharge = v }),
	intField("TTG", "time_to_go", func(s *Snapshot, v int) { s.TimeToGo = v }),
	boolField("Alarm", "alarm", func(s *Snapshot, v bool) { s.Alarm = v }),
	boolField("Relay", "relay", func(s *Snapshot, v bool) { s.Relay = v }),
	bitmaskField("AR", "alarm_reason", func(s *Snapshot, v string) { s.AlarmReason = v }),
	stringField("BMV", "model_name", func(s *Snapshot, v string) { s.ModelName = v }),
	stringField("FW", "firmware_version", func(s *Snapshot, v string) { s.FirmwareVersion = v }),
	intField("H1", "deepest_discharge", func(s *Snapshot, v int) { s.DeepestDischarge = v }),
	intField("H2", "last_discharge", func(s *Snapshot, v int) { s.LastDischarge = v }),
	intField("H3", "average_discharge", func(s *Snapshot, v int) { s.AverageDischarge = v }),
	intField("H4", "charge_cycles", func(s *Snapshot, v int) { s.ChargeCycles = v }),
	intField("H5", "full_discharges", func(s *Snapshot, v int) { s.FullDischarges = v }),
	intField("H6", "cumulative_drawn", func(s *Snapshot, v int) { s.CumulativeDrawn = v }),
	intField("H7", "min_voltage", func(s *Snapshot, v int) { s.MinVoltage = v }),
	intField("H8", "max_voltage", func(s *Snapshot, v int) { s.MaxVoltage = v }),
	intField("H9", "seconds_since_full_charge", func(s *Snapshot, v int) { s.SecondsSinceFullCharge = v }),
	intField("H10", "automatic_syncs", func(s *Snapshot, v int) { s.AutomaticSyncs = v }),
	intField("H11", "low_voltage_alarms", func(s *Snapshot, v int) { s.LowVoltageAlarms = v }),
	intField("H12", "high_voltage_alarms", func(s *Snapshot, v int) { s.HighVoltageAlarms = v }),
)

func makeFieldTable(fields ...FieldDescriptor) map[string]FieldDescriptor {
	t := make(map[string]FieldDescriptor, len(fields))
	for _, f := range fields {
		t[f.Code] = f
	}
	return t
}
