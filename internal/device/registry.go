package device

import (
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures classification.
type Options struct {
	// AllowList holds the USB IDs treated as selectable adapters.
	AllowList []USBID

	// NamePrefix selects network devices by instance name, case-insensitively.
	// Empty means DefaultNamePrefix.
	NamePrefix string

	// DriverURL enables the missing-driver signal when non-empty.
	DriverURL string
}

// DefaultAllowList is the CH341 and CP2102 adapters used on the boards.
var DefaultAllowList = []USBID{
	{VID: 0x1A86, PID: 0x7523},
	{VID: 0x10C4, PID: 0xEA60},
}

// DefaultNamePrefix is the mDNS instance prefix of the decoders.
const DefaultNamePrefix = "ly-dcc-"

// Registry merges sightings from every discovery source into one
// deduplicated, classified set of devices.
//
// All public methods are thread-safe. Returned devices are deep copies.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	seq     uint64
	stats   Stats

	allow     map[USBID]struct{}
	prefix    string
	driverURL string

	// driverArmed is true while the next empty USB pass should signal.
	driverArmed bool
	signals     chan DriverSignal

	onChange func()
	logger   Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	allowList := opts.AllowList
	if allowList == nil {
		allowList = DefaultAllowList
	}
	allow := make(map[USBID]struct{}, len(allowList))
	for _, id := range allowList {
		allow[id] = struct{}{}
	}
	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = DefaultNamePrefix
	}

	return &Registry{
		devices:     make(map[string]*Device),
		allow:       allow,
		prefix:      strings.ToLower(prefix),
		driverURL:   opts.DriverURL,
		driverArmed: true,
		signals:     make(chan DriverSignal, 1),
		logger:      noopLogger{},
		now:         time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnChange registers fn to run after any change to the device set.
// fn runs outside the registry lock.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// DriverSignals delivers missing-driver signals. At most one is buffered;
// signals raised while one is pending are dropped.
func (r *Registry) DriverSignals() <-chan DriverSignal {
	return r.signals
}

// Observe merges one sighting. Malformed sightings are counted and dropped;
// network sightings without the product prefix are counted and ignored.
func (r *Registry) Observe(s Sighting) {
	r.mu.Lock()
	var changed bool
	switch s := s.(type) {
	case USBSighting:
		changed = r.observeUSBLocked(s)
		if changed {
			r.classifyLocked()
		}
	case NetworkSighting:
		changed = r.observeNetworkLocked(s)
	default:
		r.stats.Malformed++
		r.logger.Warn("dropping unknown sighting type", "type", fmt.Sprintf("%T", s))
	}
	fn := r.onChange
	r.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

// ObserveUSB applies a full poller batch: every port in batch is upserted
// and USB entries whose port is absent are removed.
func (r *Registry) ObserveUSB(batch []USBSighting) {
	r.mu.Lock()
	present := make(map[string]struct{}, len(batch))
	changed := false
	for _, s := range batch {
		if r.observeUSBLocked(s) {
			changed = true
		}
		present[s.Port] = struct{}{}
	}
	for id, d := range r.devices {
		if d.Transport != TransportUSB {
			continue
		}
		if _, ok := present[id]; !ok {
			delete(r.devices, id)
			changed = true
			r.logger.Info("usb device removed", "port", id)
		}
	}
	r.classifyLocked()
	fn := r.onChange
	r.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

func (r *Registry) observeUSBLocked(s USBSighting) bool {
	if s.Port == "" {
		r.stats.Malformed++
		r.logger.Debug("dropping usb sighting without port")
		return false
	}

	_, allowed := r.allow[USBID{VID: s.VID, PID: s.PID}]
	filtered := !s.IsUSB || !allowed

	name := s.Port
	if s.Product != "" {
		name = s.Product + " (" + s.Port + ")"
	}

	d := &Device{
		ID:           s.Port,
		Transport:    TransportUSB,
		DisplayName:  name,
		Address:      s.Port,
		VID:          s.VID,
		PID:          s.PID,
		SerialNumber: s.SerialNumber,
		Filtered:     filtered,
	}
	if !r.upsertLocked(d) {
		return false
	}
	if filtered {
		r.logger.Debug("usb port filtered", "port", s.Port, "usb_id", d.USBID())
	} else {
		r.logger.Info("usb device added", "port", s.Port, "usb_id", d.USBID())
	}
	return true
}

func (r *Registry) observeNetworkLocked(s NetworkSighting) bool {
	if s.Instance == "" || s.IP == "" || s.Port <= 0 || s.Port > 65535 {
		r.stats.Malformed++
		r.logger.Debug("dropping malformed network sighting", "instance", s.Instance, "ip", s.IP)
		return false
	}
	if !strings.HasPrefix(strings.ToLower(s.Instance), r.prefix) {
		r.stats.Ignored++
		return false
	}

	name := s.Instance
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}

	changed := r.upsertLocked(&Device{
		ID:           s.IP + "/" + s.Instance,
		Transport:    TransportRemote,
		DisplayName:  name,
		Address:      net.JoinHostPort(s.IP, strconv.Itoa(s.Port)),
		Capabilities: s.Properties,
	})
	if changed {
		r.logger.Info("network device observed", "instance", s.Instance, "ip", s.IP)
	}
	return changed
}

// upsertLocked stores d as the most recently observed device, keeping
// FirstSeen of an existing entry. It reports whether any identifying field
// differs from the previous record.
func (r *Registry) upsertLocked(d *Device) bool {
	now := r.now()
	r.seq++
	d = d.DeepCopy()
	d.seq = r.seq
	d.LastSeen = now
	d.FirstSeen = now

	old, existed := r.devices[d.ID]
	changed := !existed
	if existed {
		d.FirstSeen = old.FirstSeen
		changed = !sameDevice(old, d)
	}
	r.devices[d.ID] = d
	return changed
}

func sameDevice(a, b *Device) bool {
	return a.Transport == b.Transport &&
		a.DisplayName == b.DisplayName &&
		a.Address == b.Address &&
		a.VID == b.VID && a.PID == b.PID &&
		a.SerialNumber == b.SerialNumber &&
		a.Filtered == b.Filtered &&
		maps.Equal(a.Capabilities, b.Capabilities)
}

// classifyLocked recounts selectable USB devices and raises the
// missing-driver signal on entering the empty state.
func (r *Registry) classifyLocked() {
	usb := 0
	for _, d := range r.devices {
		if d.Transport == TransportUSB && !d.Filtered {
			usb++
		}
	}

	if usb > 0 {
		r.driverArmed = true
		return
	}
	if r.driverURL == "" || !r.driverArmed {
		return
	}
	r.driverArmed = false
	sig := DriverSignal{URL: r.driverURL, Time: r.now()}
	select {
	case r.signals <- sig:
		r.logger.Info("no usb-serial adapter found, driver may be missing", "url", r.driverURL)
	default:
	}
}

// List returns the selectable devices in observation order, oldest first.
func (r *Registry) List() []Device {
	return r.collect(func(d *Device) bool { return !d.Filtered })
}

// Filtered returns USB ports that were seen but are not allow-listed.
func (r *Registry) Filtered() []Device {
	return r.collect(func(d *Device) bool { return d.Filtered })
}

func (r *Registry) collect(keep func(*Device) bool) []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, *d.DeepCopy())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Device) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Select returns the current record for a selectable device.
func (r *Registry) Select(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok || d.Filtered {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d.DeepCopy(), nil
}

// Stats returns drop counters and current totals.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	for _, d := range r.devices {
		switch {
		case d.Filtered:
			s.Filtered++
		case d.Transport == TransportUSB:
			s.USB++
		case d.Transport == TransportRemote:
			s.Remote++
		}
	}
	return s
}
