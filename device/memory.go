// Package device models a bus device's 256-byte configuration memory
//: a flat zero-initialized buffer plus the two checksums
// and length a signature report carries. Typed per-product views over
// the raw bytes are a separate catalog module and out of scope here.
package device

import (
	"context"
	"sync"
)

// Memory is one device's register image, keyed by (network_id,
// device_id) in a Registry.
type Memory struct {
	NetworkID byte
	DeviceID  byte

	mu            sync.Mutex
	registers     [256]byte
	idChecksum    uint16
	setupChecksum uint16
	ctBytes       int
}

// UpdateRegisters writes data into registers starting at position,
// mirroring the retrieved device.py's update_registers.
func (m *Memory) UpdateRegisters(position byte, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := int(position)
	end := start + len(data)
	if end > len(m.registers) {
		end = len(m.registers)
	}
	if start < end {
		copy(m.registers[start:end], data[:end-start])
	}
}

// UpdateSignature stores the two checksums and memory length a signature
// report carries.
func (m *Memory) UpdateSignature(idChecksum, setupChecksum uint16, ctBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idChecksum = idChecksum
	m.setupChecksum = setupChecksum
	m.ctBytes = ctBytes
}

// Signature returns the most recently stored signature fields.
func (m *Memory) Signature() (idChecksum, setupChecksum uint16, ctBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idChecksum, m.setupChecksum, m.ctBytes
}

// Snapshot returns a copy of the 256-byte register buffer.
func (m *Memory) Snapshot() [256]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registers
}

// RegisterReader is the Client capability Refresh needs: re-read a
// device's full register set. Declared here (rather than importing the
// client package) to avoid a dependency cycle — the Client is the only
// expected implementer.
type RegisterReader interface {
	ReadDeviceRegisters(ctx context.Context, networkID, deviceID byte) ([256]byte, error)
}

// Refresh re-runs the full register read through the owning client and
// replaces the local buffer with the result (original source's
// DeviceMemory.sync_registers, supplemented per SPEC_FULL.md — the
// client is passed in rather than held, since DeviceMemory does not own
// a reference back to its Client).
func (m *Memory) Refresh(ctx context.Context, client RegisterReader) error {
	regs, err := client.ReadDeviceRegisters(ctx, m.NetworkID, m.DeviceID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.registers = regs
	m.mu.Unlock()
	return nil
}
