package fleet

import "fmt"

// ZoneAccessError reports a poll against a zone the device is not bound to.
type ZoneAccessError struct {
	DeviceID      string
	BoundZone     string
	RequestedZone string
}

func (e *ZoneAccessError) Error() string {
	return fmt.Sprintf("device %s is bound to zone %s, not %s", e.DeviceID, e.BoundZone, e.RequestedZone)
}

// ResolveZone validates a device's requested zone against its binding. The
// binding is fixed at registration: an explicit mismatching zone fails
// closed, an empty zone resolves to the bound zone.
func ResolveZone(d *EdgeDevice, requested string) (string, error) {
	if requested == "" || requested == d.ZoneID {
		return d.ZoneID, nil
	}
	return "", &ZoneAccessError{
		DeviceID:      d.ID,
		BoundZone:     d.ZoneID,
		RequestedZone: requested,
	}
}
