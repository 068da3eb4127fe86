package vault

import (
	"encoding/json"
	"net"
	"strings"
)

// secretKeyMarkers are matched as substrings of lowercased JSON keys.
var secretKeyMarkers = []string{"pass", "password", "secret", "key", "token", "pin"}

const maskedSecret = "******"

// Mask renders a credential value for non-admin display. JSON objects are
// walked recursively: values under secret-like keys become ******, string
// values that are IPv4 addresses keep only their first two octets. A
// non-JSON value is treated as a bare secret unless it is itself an IPv4
// address.
func Mask(value string) string {
	var doc any
	if err := json.Unmarshal([]byte(value), &doc); err == nil {
		switch doc.(type) {
		case map[string]any, []any:
			masked := maskNode(doc, false)
			out, err := json.Marshal(masked)
			if err == nil {
				return string(out)
			}
		}
	}
	if ip := maskIPv4(value); ip != "" {
		return ip
	}
	return maskedSecret
}

// MaskPayload returns a copy of a JSON-style document with every value
// under a secret-like key replaced by ******. The input is not modified.
// Command payloads pass through here before they are rendered to API
// clients; the stored payload and the copy handed to collectors keep the
// original values.
func MaskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return maskNode(payload, false).(map[string]any)
}

func maskNode(node any, underSecretKey bool) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = maskNode(child, isSecretKey(k))
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = maskNode(child, underSecretKey)
		}
		return out
	case string:
		if underSecretKey {
			return maskedSecret
		}
		if ip := maskIPv4(v); ip != "" {
			return ip
		}
		return v
	default:
		if underSecretKey {
			return maskedSecret
		}
		return v
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// maskIPv4 returns "a.b.xxx.xxx" when s is an IPv4 address, else "".
func maskIPv4(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() == nil {
		return ""
	}
	octets := strings.Split(ip.To4().String(), ".")
	return octets[0] + "." + octets[1] + ".xxx.xxx"
}
