package upbproto

import (
	"bytes"
	"testing"
)

func TestCksumKnownValue(t *testing.T) {
	got := Cksum([]byte{0x07, 0x00, 0x05, 0x03, 0xFF, 0x80})
	if got != 0x72 {
		t.Fatalf("Cksum = 0x%02x, want 0x72", got)
	}
}

func TestCksumSelfCancels(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x07, 0x00, 0x05, 0x03, 0xFF, 0x80},
		{0xFF, 0xFF, 0xFF, 0xFF},
	}
	for _, data := range cases {
		withCrc := append(append([]byte{}, data...), Cksum(data))
		var sum int
		for _, b := range withCrc {
			sum += int(b)
		}
		if sum%256 != 0 {
			t.Errorf("Cksum(%v): sum with trailing checksum = %d mod 256, want 0", data, sum%256)
		}
	}
}

func TestEncodeSignatureRequestRoundTrip(t *testing.T) {
	packet := EncodeSignatureRequest(5, 3)

	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if !bp.CRCOk {
		t.Fatalf("CRCOk = false")
	}
	if bp.NetworkID != 5 {
		t.Errorf("NetworkID = %d, want 5", bp.NetworkID)
	}
	if bp.DestinationID != 3 {
		t.Errorf("DestinationID = %d, want 3", bp.DestinationID)
	}
	if bp.DeviceID != DefaultDeviceID {
		t.Errorf("DeviceID = 0x%02x, want 0x%02x", bp.DeviceID, DefaultDeviceID)
	}
	if bp.MdidSet != MdidCoreCommands {
		t.Errorf("MdidSet = %v, want CoreCommands", bp.MdidSet)
	}
	if MdidCoreCmd(bp.MdidCmd) != CmdGetDeviceSignature {
		t.Errorf("MdidCmd = %v, want GetDeviceSignature", MdidCoreCmd(bp.MdidCmd))
	}
}

func TestFormatTransmitMatchesKnownBytes(t *testing.T) {
	// encode_signature_request(5, 3): control word for a 7-byte packet with
	// no payload, network=5, destination=3, source=0xFF, mdid=Core/GetSignature.
	packet := EncodeSignatureRequest(5, 3)
	want := []byte{0x07, 0x00, 0x05, 0x03, 0xFF, 0x02, 0xF0}
	if !bytes.Equal(packet, want) {
		t.Fatalf("EncodeSignatureRequest(5,3) = % x, want % x", packet, want)
	}
}

func TestParseBusPacketRejectsBadCrc(t *testing.T) {
	packet := EncodeSignatureRequest(5, 3)
	packet[len(packet)-1] ^= 0xFF

	bp, err := ParseBusPacket(packet)
	if err == nil {
		t.Fatalf("expected crc error, got nil")
	}
	if bp.CRCOk {
		t.Fatalf("CRCOk = true on corrupted packet")
	}
}

func TestParseBusPacketDeviceSignature(t *testing.T) {
	payload := []byte{
		0x12, 0x34, // random
		0x10,       // signal
		0x02,       // noise
		0x00, 0x40, // id_checksum = 64
		0x00, 0x43, // setup_checksum = 67
		0x40,                                           // ct_bytes = 64
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // diagnostic
	}
	packet := FormatTransmit(5, 3, MdidCoreReports, byte(ReportDeviceSignature), payload, TransmitOptions{})

	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if bp.Random != 0x1234 {
		t.Errorf("Random = 0x%04x, want 0x1234", bp.Random)
	}
	if bp.Signal != 0x10 || bp.Noise != 0x02 {
		t.Errorf("Signal/Noise = %d/%d, want 16/2", bp.Signal, bp.Noise)
	}
	if bp.IDChecksum != 64 || bp.SetupChecksum != 67 {
		t.Errorf("IDChecksum/SetupChecksum = %d/%d, want 64/67", bp.IDChecksum, bp.SetupChecksum)
	}
	if bp.CTBytes != 64 {
		t.Errorf("CTBytes = %d, want 64", bp.CTBytes)
	}
	if !bytes.Equal(bp.Diagnostic, payload[9:17]) {
		t.Errorf("Diagnostic = % x, want % x", bp.Diagnostic, payload[9:17])
	}
}

func TestParseBusPacketDeviceSignatureCtBytesZeroMeans256(t *testing.T) {
	payload := make([]byte, 17)
	payload[8] = 0x00
	packet := FormatTransmit(5, 3, MdidCoreReports, byte(ReportDeviceSignature), payload, TransmitOptions{})

	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if bp.CTBytes != 256 {
		t.Errorf("CTBytes = %d, want 256", bp.CTBytes)
	}
}

func TestParseBusPacketRegisterValues(t *testing.T) {
	payload := []byte{0x10, 0xAA, 0xBB, 0xCC}
	packet := FormatTransmit(5, 3, MdidCoreReports, byte(ReportRegisterValues), payload, TransmitOptions{})

	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if bp.RegisterStart != 0x10 {
		t.Errorf("RegisterStart = 0x%02x, want 0x10", bp.RegisterStart)
	}
	if !bytes.Equal(bp.RegisterVal, []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("RegisterVal = % x, want aa bb cc", bp.RegisterVal)
	}
}

func TestParseBusPacketStartSetupEcho(t *testing.T) {
	packet := EncodeStartSetupRequest(5, 3, 0x0102)

	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if bp.Password != 0x0102 {
		t.Errorf("Password = 0x%04x, want 0x0102", bp.Password)
	}
}

func TestEncodeRegisterRequest(t *testing.T) {
	packet := EncodeRegisterRequest(5, 3, 0, 16)
	bp, err := ParseBusPacket(packet)
	if err != nil {
		t.Fatalf("ParseBusPacket: %v", err)
	}
	if !bytes.Equal(bp.Payload, []byte{0, 16}) {
		t.Errorf("Payload = % x, want 00 10", bp.Payload)
	}
	if MdidCoreCmd(bp.MdidCmd) != CmdGetRegisterValues {
		t.Errorf("MdidCmd = %v, want GetRegisterValues", MdidCoreCmd(bp.MdidCmd))
	}
}

func TestEncodePimRegisterRead(t *testing.T) {
	packet := EncodePimRegisterRead(RegNetworkID, 1)
	if len(packet) != 3 {
		t.Fatalf("len = %d, want 3", len(packet))
	}
	var sum int
	for _, b := range packet {
		sum += int(b)
	}
	if sum%256 != 0 {
		t.Errorf("packet does not self-cancel: sum = %d mod 256", sum%256)
	}
}

func TestPasswordBytesEqual(t *testing.T) {
	if !PasswordBytesEqual([2]byte{0x01, 0x02}, 0x0102) {
		t.Errorf("expected equal")
	}
	if PasswordBytesEqual([2]byte{0x01, 0x03}, 0x0102) {
		t.Errorf("expected not equal")
	}
}

func TestHexdump(t *testing.T) {
	got := Hexdump([]byte{0xDE, 0xAD, 0xBE, 0xEF}, " ")
	if got != "de ad be ef" {
		t.Errorf("Hexdump = %q, want %q", got, "de ad be ef")
	}
}
