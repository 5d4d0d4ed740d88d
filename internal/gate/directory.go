package gate

import (
	"context"
	"errors"

	"github.com/mbd888/trustgate/internal/anomaly"
	"github.com/mbd888/trustgate/internal/devicetrust"
)

// DeviceDirectory answers the detector's questions about a device from the
// device trust service.
type DeviceDirectory struct {
	devices *devicetrust.Service
}

// NewDeviceDirectory creates a directory over devices.
func NewDeviceDirectory(devices *devicetrust.Service) *DeviceDirectory {
	return &DeviceDirectory{devices: devices}
}

// DeviceContext implements anomaly.DeviceDirectory.
func (d *DeviceDirectory) DeviceContext(ctx context.Context, userID, deviceID string) (anomaly.DeviceContext, error) {
	dev, found, err := d.devices.Lookup(ctx, userID, deviceID)
	if err != nil {
		return anomaly.DeviceContext{}, err
	}
	return d.contextFor(ctx, dev, found)
}

// FlagDevice implements anomaly.DeviceDirectory. An unseen device is created
// directly in Suspicious.
func (d *DeviceDirectory) FlagDevice(ctx context.Context, userID, deviceID string) error {
	_, err := d.devices.Flag(ctx, userID, deviceID)
	if errors.Is(err, devicetrust.ErrDeviceNotFound) {
		_, err = d.devices.Apply(ctx, userID, deviceID, devicetrust.Event{Suspicious: true})
	}
	return err
}

func (d *DeviceDirectory) contextFor(ctx context.Context, dev devicetrust.Device, found bool) (anomaly.DeviceContext, error) {
	all, err := d.devices.List(ctx, dev.UserID)
	if err != nil {
		return anomaly.DeviceContext{}, err
	}
	others := 0
	for _, o := range all {
		if o.DeviceID != dev.DeviceID {
			others++
		}
	}
	return anomaly.DeviceContext{
		Known:        found,
		LastIP:       dev.LastIP,
		LastUsedAt:   dev.LastUsedAt,
		OtherDevices: others,
	}, nil
}

var _ anomaly.DeviceDirectory = (*DeviceDirectory)(nil)
