// Package registry keeps the devices seen by the current scan.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chaz8081/blufictl/internal/ble"
	"github.com/chaz8081/blufictl/internal/event"
)

// ErrUnavailable is returned when the radio cannot be used for scanning.
var ErrUnavailable = errors.New("registry: radio unavailable")

// Device is the latest observation of one peripheral.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

// Registry maps addresses to discovery observations for the running scan.
// Each scan starts from an empty map, and a re-observation replaces the
// previous entry.
type Registry struct {
	adapter ble.Adapter
	sink    *event.Sink
	address func() string

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	filter  string
	devices map[string]Device
}

// New returns a registry scanning with adapter and reporting to sink.
// address supplies the connected device's address for the completion event;
// it may be nil.
func New(adapter ble.Adapter, sink *event.Sink, address func() string) *Registry {
	if address == nil {
		address = func() string { return "" }
	}
	return &Registry{
		adapter: adapter,
		sink:    sink,
		address: address,
		devices: make(map[string]Device),
	}
}

// BeginScan starts discovery, dropping any previous results. A non-empty
// filter keeps only devices whose name contains it, ignoring case. A scan
// already in progress is stopped first, without a completion event.
func (r *Registry) BeginScan(filter string) error {
	if err := r.adapter.Enable(); err != nil {
		return errors.Wrapf(ErrUnavailable, "enable: %v", err)
	}

	r.mu.Lock()
	r.stopLocked()
	r.gen++
	gen := r.gen
	r.filter = strings.ToLower(filter)
	r.devices = make(map[string]Device)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	log.WithField("filter", filter).Info("[SCAN] starting")
	go func() {
		defer close(done)
		err := r.adapter.Scan(ctx, func(adv ble.Advertisement) {
			r.observe(gen, adv)
		})
		if err != nil {
			log.WithError(err).Warn("[SCAN] scan ended with error")
		}
	}()
	return nil
}

// EndScan stops discovery and emits the completion event. Calling it with no
// scan running still emits the event.
func (r *Registry) EndScan() {
	r.mu.Lock()
	r.gen++
	done := r.done
	r.stopLocked()
	r.mu.Unlock()

	if done != nil {
		<-done
	}
	log.Info("[SCAN] stopped")
	r.sink.Emit(event.New(event.KeyStopScan, event.Flag(true), r.address()))
}

func (r *Registry) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.done = nil
}

func (r *Registry) observe(gen uint64, adv ble.Advertisement) {
	if adv.Name == "" {
		return
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if r.filter != "" && !strings.Contains(strings.ToLower(adv.Name), r.filter) {
		r.mu.Unlock()
		return
	}
	d := Device{Address: adv.Address, Name: adv.Name, RSSI: adv.RSSI}
	r.devices[d.Address] = d
	r.mu.Unlock()

	log.WithFields(log.Fields{"address": d.Address, "name": d.Name, "rssi": d.RSSI}).Debug("[SCAN] device")
	r.sink.Emit(event.ScanResult(event.DeviceInfo{Address: d.Address, Name: d.Name, RSSI: d.RSSI}))
}

// Lookup returns the latest observation of address.
func (r *Registry) Lookup(address string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[address]
	return d, ok
}

// Devices returns the current observations ordered by address.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
