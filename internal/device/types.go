package device

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Transport is how the host reaches a device.
type Transport int

// Transport values. The zero value is TransportUnknown.
const (
	TransportUnknown Transport = iota
	TransportUSB
	TransportRemote
)

// String returns the lowercase wire name of the transport.
func (t Transport) String() string {
	switch t {
	case TransportUSB:
		return "usb"
	case TransportRemote:
		return "remote"
	case TransportUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("transport(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler so JSON carries the name.
func (t Transport) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTransport is the inverse of Transport.String.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(s) {
	case "usb":
		return TransportUSB, nil
	case "remote":
		return TransportRemote, nil
	case "unknown", "":
		return TransportUnknown, nil
	default:
		return TransportUnknown, fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

// CapabilityFlashModus is the TXT key naming the device's HTTP upload flavour.
const CapabilityFlashModus = "FlashModus"

// CapabilityVersion is the TXT key carrying the firmware version.
const CapabilityVersion = "Version"

// Device is one discovered target.
//
// For USB devices ID and Address are the serial port path. For network
// devices ID is "<ip>/<instance>" and Address is "<ip>:<port>".
type Device struct {
	ID           string            `json:"id"`
	Transport    Transport         `json:"transport"`
	DisplayName  string            `json:"display_name"`
	Address      string            `json:"address"`
	Capabilities map[string]string `json:"capabilities,omitempty"`

	// USB identity; zero for network devices.
	VID          uint16 `json:"vid,omitempty"`
	PID          uint16 `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`

	// Filtered is set on USB ports whose IDs are not allow-listed.
	// Filtered devices are visible for diagnostics but not selectable.
	Filtered bool `json:"filtered,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	seq uint64
}

// FlashModus returns the advertised FlashModus property, or "" if absent.
func (d *Device) FlashModus() string {
	return d.Capabilities[CapabilityFlashModus]
}

// USBID formats the vendor/product pair as "1a86:7523".
func (d *Device) USBID() string {
	return fmt.Sprintf("%04x:%04x", d.VID, d.PID)
}

// DeepCopy returns an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Capabilities = maps.Clone(d.Capabilities)
	return &cpy
}

// USBID identifies a USB-serial adapter model.
type USBID struct {
	VID uint16
	PID uint16
}

// Sighting is one observation from a discovery source. It is either a
// USBSighting or a NetworkSighting.
type Sighting interface {
	sighting()
}

// USBSighting is one enumerated serial port.
type USBSighting struct {
	Port         string
	IsUSB        bool // false for on-board UARTs without USB descriptors
	VID          uint16
	PID          uint16
	SerialNumber string
	Product      string
}

// NetworkSighting is one resolved mDNS service address.
type NetworkSighting struct {
	Instance   string
	HostName   string
	IP         string
	Port       int
	Properties map[string]string
}

func (USBSighting) sighting()     {}
func (NetworkSighting) sighting() {}

// Stats counts sightings that did not become devices, plus current totals.
type Stats struct {
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
	USB       int    `json:"usb"`
	Remote    int    `json:"remote"`
	Filtered  int    `json:"filtered"`
}

// DriverSignal asks the user to install a USB-serial driver.
type DriverSignal struct {
	URL  string    `json:"url"`
	Time time.Time `json:"time"`
}
