package device

import "sync"

type key struct {
	network byte
	device  byte
}

// Registry is the Client's device-memory table, populated lazily on
// first reference rather than pre-built from a device list
// the protocol never hands us up front.
type Registry struct {
	mu      sync.Mutex
	devices map[key]*Memory
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[key]*Memory)}
}

// Get returns the Memory for (networkID, deviceID), creating it on first
// reference.
func (r *Registry) Get(networkID, deviceID byte) *Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{networkID, deviceID}
	m, ok := r.devices[k]
	if !ok {
		m = &Memory{NetworkID: networkID, DeviceID: deviceID}
		r.devices[k] = m
	}
	return m
}

// Known returns every device currently in the registry.
func (r *Registry) Known() []*Memory {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Memory, 0, len(r.devices))
	for _, m := range r.devices {
		out = append(out, m)
	}
	return out
}

// UpdateRegisters implements pulse.RegisterUpdater, routing a reported
// register-values update to its owning device.
func (r *Registry) UpdateRegisters(networkID, deviceID, start byte, data []byte) {
	r.Get(networkID, deviceID).UpdateRegisters(start, data)
}

// UpdateSignature implements pulse.SignatureUpdater, routing a reported
// device signature to its owning device.
func (r *Registry) UpdateSignature(networkID, deviceID byte, idChecksum, setupChecksum uint16, ctBytes int) {
	r.Get(networkID, deviceID).UpdateSignature(idChecksum, setupChecksum, ctBytes)
}
