package forward

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	commandPattern = regexp.MustCompile(`command`)
	alertPattern   = regexp.MustCompile(`alert`)
)

// numericalSensors and binarySensors classify a data name's trailing
// segment for alert evaluation, ported from the original sensor
// taxonomy: a numerical sensor alerts on any positive integer reading,
// a binary sensor alerts on any truthy reading.
var numericalSensors = map[string]bool{
	"temperature":       true,
	"temp":              true,
	"light":             true,
	"humidity":          true,
	"radiation":         true,
	"co2":               true,
	"smoke":             true,
	"rpm":               true,
	"duration":          true,
	"load":              true,
	"electricity_usage": true,
	"water_usage":       true,
}

var binarySensors = map[string]bool{
	"light_switch": true,
	"motion":       true,
	"motor":        true,
	"lock":         true,
}

func lastSegment(name string) string {
	trimmed := strings.TrimRight(name, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// isCommandPayload reports whether payload names an actuation command.
func isCommandPayload(payload string) bool {
	return commandPattern.MatchString(payload)
}

// isAlertPayload reports whether payload names an alert.
func isAlertPayload(payload string) bool {
	return alertPattern.MatchString(payload)
}

// decodeCommand extracts the (actuator, command) pair the actuation
// sink needs: the actuator is the data name's trailing segment, the
// command is the trailing segment of the payload.
func decodeCommand(name, payload string) (actuator, command string) {
	return lastSegment(name), lastSegment(payload)
}

// isAlertable classifies a sensor reading by its data name's trailing
// segment: a numerical sensor alerts when its reading parses as a
// positive integer (a decimal reading such as "21.5" does not alert), a
// binary sensor alerts when its reading is truthy.
func isAlertable(name, payload string) bool {
	sensor := lastSegment(name)
	switch {
	case numericalSensors[sensor]:
		n, err := strconv.Atoi(strings.TrimSpace(payload))
		return err == nil && n > 0
	case binarySensors[sensor]:
		v := strings.TrimSpace(strings.ToLower(payload))
		return v != "" && v != "0" && v != "false"
	default:
		return false
	}
}
