package driver

import (
	"sync"

	"github.com/ByteTrue/byteautoui/uierr"
)

// Lister enumerates the attached devices of one platform.
type Lister func() ([]DeviceInfo, error)

// Factory builds the driver for one serial.  It runs at most once per serial
// per process; the result is cached.
type Factory func(serial string) (Driver, error)

// Provider hands out drivers for one platform.  At most one driver exists
// per serial; creation is serialized by a per-serial lock so concurrent
// first requests do not race a second helper chain into existence.
type Provider struct {
	platform Platform
	list     Lister
	factory  Factory

	lock    sync.Mutex
	drivers map[string]Driver
	creates map[string]*sync.Mutex
}

// NewProvider wires a platform's lister and driver factory.
func NewProvider(platform Platform, list Lister, factory Factory) *Provider {
	return &Provider{
		platform: platform,
		list:     list,
		factory:  factory,
		drivers:  make(map[string]Driver),
		creates:  make(map[string]*sync.Mutex),
	}
}

// Platform returns the platform this provider serves.
func (p *Provider) Platform() Platform {
	return p.platform
}

// List enumerates attached devices.
func (p *Provider) List() ([]DeviceInfo, error) {
	return p.list()
}

// Device returns the driver for a serial, creating it on first reference.
// An empty serial resolves to the only attached device.
func (p *Provider) Device(serial string) (Driver, error) {
	if serial == "" {
		resolved, err := p.singleSerial()
		if err != nil {
			return nil, err
		}
		serial = resolved
	}

	p.lock.Lock()
	if d, ok := p.drivers[serial]; ok {
		p.lock.Unlock()
		return d, nil
	}
	create, ok := p.creates[serial]
	if !ok {
		create = new(sync.Mutex)
		p.creates[serial] = create
	}
	p.lock.Unlock()

	create.Lock()
	defer create.Unlock()

	// another caller may have published while we waited
	p.lock.Lock()
	if d, ok := p.drivers[serial]; ok {
		p.lock.Unlock()
		return d, nil
	}
	p.lock.Unlock()

	d, err := p.factory(serial)
	if err != nil {
		return nil, err
	}

	p.lock.Lock()
	p.drivers[serial] = d
	p.lock.Unlock()
	return d, nil
}

func (p *Provider) singleSerial() (string, error) {
	devices, err := p.list()
	if err != nil {
		return "", err
	}
	switch len(devices) {
	case 0:
		return "", uierr.New(uierr.KindDeviceNotFound, "no %s device found", p.platform)
	case 1:
		return devices[0].Serial, nil
	default:
		return "", uierr.New(uierr.KindInvalidArgument,
			"more than one %s device found, pass a serial", p.platform)
	}
}

// CloseAll closes every cached driver.  Used by the shutdown hook.
func (p *Provider) CloseAll() {
	p.lock.Lock()
	drivers := make([]Driver, 0, len(p.drivers))
	for _, d := range p.drivers {
		drivers = append(drivers, d)
	}
	p.drivers = make(map[string]Driver)
	p.lock.Unlock()

	for _, d := range drivers {
		d.Close()
	}
}

// Providers is the per-platform provider set constructed at process start.
type Providers map[Platform]*Provider

// For resolves a platform name to its provider.
func (ps Providers) For(platform Platform) (*Provider, error) {
	p, ok := ps[platform]
	if !ok {
		return nil, uierr.New(uierr.KindInvalidArgument, "unknown platform %q", platform)
	}
	return p, nil
}

// CloseAll closes every provider's drivers.
func (ps Providers) CloseAll() {
	for _, p := range ps {
		p.CloseAll()
	}
}
