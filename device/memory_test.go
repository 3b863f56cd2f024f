package device

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryUpdateRegistersWritesAtPosition(t *testing.T) {
	m := &Memory{NetworkID: 1, DeviceID: 2}
	m.UpdateRegisters(4, []byte{0xAA, 0xBB, 0xCC})

	snap := m.Snapshot()
	if snap[4] != 0xAA || snap[5] != 0xBB || snap[6] != 0xCC {
		t.Fatalf("registers at 4..7 = %x, want aa bb cc", snap[4:7])
	}
	if snap[0] != 0 || snap[3] != 0 {
		t.Fatalf("bytes outside the write range should stay zero")
	}
}

func TestMemoryUpdateRegistersClampsAtBufferEnd(t *testing.T) {
	m := &Memory{}
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m.UpdateRegisters(250, data)

	snap := m.Snapshot()
	if snap[255] != 6 {
		t.Fatalf("last byte = %d, want 6 (write clamped at buffer end)", snap[255])
	}
}

func TestMemoryUpdateSignatureAndSignature(t *testing.T) {
	m := &Memory{}
	m.UpdateSignature(0x1234, 0x5678, 17)

	idChecksum, setupChecksum, ctBytes := m.Signature()
	if idChecksum != 0x1234 || setupChecksum != 0x5678 || ctBytes != 17 {
		t.Fatalf("got %04x %04x %d, want 1234 5678 17", idChecksum, setupChecksum, ctBytes)
	}
}

type fakeRegisterReader struct {
	regs [256]byte
	err  error
	got  struct{ network, device byte }
}

func (f *fakeRegisterReader) ReadDeviceRegisters(ctx context.Context, networkID, deviceID byte) ([256]byte, error) {
	f.got.network = networkID
	f.got.device = deviceID
	return f.regs, f.err
}

func TestMemoryRefreshReplacesBuffer(t *testing.T) {
	m := &Memory{NetworkID: 7, DeviceID: 9}
	m.UpdateRegisters(0, []byte{0x01})

	reader := &fakeRegisterReader{}
	reader.regs[0] = 0xFF
	if err := m.Refresh(context.Background(), reader); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if reader.got.network != 7 || reader.got.device != 9 {
		t.Fatalf("Refresh did not pass its own network/device id to the reader")
	}
	if snap := m.Snapshot(); snap[0] != 0xFF {
		t.Fatalf("registers[0] = %#x, want ff after refresh", snap[0])
	}
}

func TestMemoryRefreshPropagatesError(t *testing.T) {
	m := &Memory{}
	wantErr := errors.New("boom")
	reader := &fakeRegisterReader{err: wantErr}

	if err := m.Refresh(context.Background(), reader); !errors.Is(err, wantErr) {
		t.Fatalf("Refresh error = %v, want %v", err, wantErr)
	}
}

func TestRegistryGetIsLazyAndStable(t *testing.T) {
	r := NewRegistry()
	a := r.Get(1, 2)
	b := r.Get(1, 2)
	if a != b {
		t.Fatalf("Get(1,2) returned different Memory instances")
	}
	c := r.Get(1, 3)
	if a == c {
		t.Fatalf("Get(1,3) aliased the (1,2) memory")
	}
	if len(r.Known()) != 2 {
		t.Fatalf("Known() = %d entries, want 2", len(r.Known()))
	}
}

func TestRegistryUpdateRegistersRoutesToDevice(t *testing.T) {
	r := NewRegistry()
	r.UpdateRegisters(1, 2, 0, []byte{0x42})

	snap := r.Get(1, 2).Snapshot()
	if snap[0] != 0x42 {
		t.Fatalf("registers[0] = %#x, want 42", snap[0])
	}
}

func TestRegistryUpdateSignatureRoutesToDevice(t *testing.T) {
	r := NewRegistry()
	r.UpdateSignature(1, 2, 0x0A0B, 0x0C0D, 17)

	idChecksum, setupChecksum, ctBytes := r.Get(1, 2).Signature()
	if idChecksum != 0x0A0B || setupChecksum != 0x0C0D || ctBytes != 17 {
		t.Fatalf("got %04x %04x %d, want 0a0b 0c0d 17", idChecksum, setupChecksum, ctBytes)
	}
}
