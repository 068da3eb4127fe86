package command

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Payload bounds per command type. Values outside these ranges are
// rejected before a command is ever persisted.
const (
	maxRebootDelaySec = 3600
	minFreqMHz        = 100
	maxFreqMHz        = 1500
	minTargetTempC    = 40
	maxTargetTempC    = 90
	minFanPct         = 10
	maxFanPct         = 100
	maxPoolEntries    = 3
)

var powerModes = map[string]bool{"low": true, "normal": true, "high": true, "sleep": true}
var ledStates = map[string]bool{"on": true, "off": true, "blink": true}
var poolSchemes = map[string]bool{"stratum+tcp": true, "stratum+ssl": true}

// ValidatePayload checks payload against the schema for the given command
// type. The type set is closed; every case is handled explicitly.
func ValidatePayload(t Type, payload map[string]any) error {
	if err := rejectIPLiterals("payload", payload); err != nil {
		return err
	}
	switch t {
	case TypeReboot:
		if err := allowKeys(payload, "delay_sec"); err != nil {
			return err
		}
		if _, ok := payload["delay_sec"]; ok {
			if _, err := numberField(payload, "delay_sec", 0, maxRebootDelaySec); err != nil {
				return err
			}
		}
		return nil
	case TypePowerMode:
		if err := allowKeys(payload, "mode"); err != nil {
			return err
		}
		mode, err := stringField(payload, "mode")
		if err != nil {
			return err
		}
		if !powerModes[mode] {
			return errValidation("payload.mode %q is not a known power mode", mode)
		}
		return nil
	case TypeChangePool:
		if err := allowKeys(payload, "pools"); err != nil {
			return err
		}
		return validatePools(payload["pools"])
	case TypeSetFreq:
		if err := allowKeys(payload, "freq_mhz"); err != nil {
			return err
		}
		_, err := numberField(payload, "freq_mhz", minFreqMHz, maxFreqMHz)
		return err
	case TypeThermalPolicy:
		if err := allowKeys(payload, "target_temp_c", "max_fan_pct"); err != nil {
			return err
		}
		if _, err := numberField(payload, "target_temp_c", minTargetTempC, maxTargetTempC); err != nil {
			return err
		}
		if _, ok := payload["max_fan_pct"]; ok {
			if _, err := numberField(payload, "max_fan_pct", minFanPct, maxFanPct); err != nil {
				return err
			}
		}
		return nil
	case TypeLED:
		if err := allowKeys(payload, "state"); err != nil {
			return err
		}
		state, err := stringField(payload, "state")
		if err != nil {
			return err
		}
		if !ledStates[state] {
			return errValidation("payload.state %q is not a known LED state", state)
		}
		return nil
	case TypeCustom:
		op, err := stringField(payload, "operation")
		if err != nil {
			return err
		}
		if strings.TrimSpace(op) == "" {
			return errValidation("payload.operation must not be empty")
		}
		if args, ok := payload["args"]; ok {
			if _, isMap := args.(map[string]any); !isMap {
				return errValidation("payload.args must be an object")
			}
		}
		return nil
	case TypeRollback:
		return errValidation("rollback commands are created through the rollback operation, not proposed directly")
	default:
		return errValidation("unknown command type %q", t)
	}
}

func validatePools(raw any) error {
	pools, ok := raw.([]any)
	if !ok || len(pools) == 0 {
		return errValidation("payload.pools must be a non-empty array")
	}
	if len(pools) > maxPoolEntries {
		return errValidation("payload.pools supports at most %d entries", maxPoolEntries)
	}
	for i, p := range pools {
		pool, ok := p.(map[string]any)
		if !ok {
			return errValidation("payload.pools[%d] must be an object", i)
		}
		urlVal, err := stringField(pool, "url")
		if err != nil {
			return errValidation("payload.pools[%d]: %s", i, err.Error())
		}
		scheme, rest, found := strings.Cut(urlVal, "://")
		if !found || !poolSchemes[scheme] {
			return errValidation("payload.pools[%d].url must use stratum+tcp or stratum+ssl", i)
		}
		host, _, hostErr := net.SplitHostPort(rest)
		if hostErr != nil {
			host = rest
		}
		if host == "" {
			return errValidation("payload.pools[%d].url has no host", i)
		}
		if _, err := stringField(pool, "user"); err != nil {
			return errValidation("payload.pools[%d]: %s", i, err.Error())
		}
		for k := range pool {
			switch k {
			case "url", "user", "pass":
			default:
				return errValidation("payload.pools[%d] has unknown field %q", i, k)
			}
		}
	}
	return nil
}

func allowKeys(payload map[string]any, keys ...string) error {
	for k := range payload {
		allowed := false
		for _, a := range keys {
			if k == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return errValidation("payload has unknown field %q", k)
		}
	}
	return nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", errValidation("payload.%s is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errValidation("payload.%s must be a string", key)
	}
	return s, nil
}

func numberField(m map[string]any, key string, min, max float64) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, errValidation("payload.%s is required", key)
	}
	n, ok := v.(float64)
	if !ok {
		return 0, errValidation("payload.%s must be a number", key)
	}
	if n < min || n > max {
		return 0, errValidation("payload.%s must be between %v and %v", key, min, max)
	}
	return n, nil
}

// dottedQuad matches candidate IPv4 literals inside longer strings, such
// as a pool URL host.
var dottedQuad = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)

// rejectIPLiterals walks every string in the payload and rejects literal
// IP addresses. Cloud-submitted payloads must reference miners and pools
// by name; raw addresses bypass the fleet inventory and DNS-level
// controls on the edge.
func rejectIPLiterals(path string, v any) error {
	switch val := v.(type) {
	case string:
		if net.ParseIP(val) != nil {
			return errValidation("%s contains a literal IP address", path)
		}
		for _, m := range dottedQuad.FindAllString(val, -1) {
			if net.ParseIP(m) != nil {
				return errValidation("%s contains a literal IP address", path)
			}
		}
	case map[string]any:
		for k, child := range val {
			if err := rejectIPLiterals(path+"."+k, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := rejectIPLiterals(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}
