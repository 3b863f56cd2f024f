package upbproto

import (
	"encoding/binary"
	"fmt"
)

// TransmitOptions are the control-word options format_transmit accepts
// beyond network/destination/mdid/payload.
type TransmitOptions struct {
	Link          bool
	AckRequest    AckRequest
	Repeater      Repeater
	TransmitCount uint8
	TransmitSeq   uint8
}

// BusPacket is the decoded form of a bus packet, populated by ParseBusPacket.
// Only the fields relevant to the packet's MdidSet/MdidCmd are filled in;
// everything else not covered by a known MDID is left in Payload.
type BusPacket struct {
	Link          bool
	Repeater      Repeater
	AckRequest    AckRequest
	TransmitCount uint8
	TransmitSeq   uint8
	NetworkID     byte
	DestinationID byte
	DeviceID      byte // source id
	MdidSet       MdidSet
	MdidCmd       byte // low 5 bits; meaning depends on MdidSet
	Payload       []byte
	CRCOk         bool

	// MdidCoreReports / ReportRegisterValues
	RegisterStart byte
	RegisterVal   []byte

	// MdidCoreReports / ReportDeviceSignature
	Random        uint16
	Signal        byte
	Noise         byte
	IDChecksum    uint16
	SetupChecksum uint16
	CTBytes       int
	Diagnostic    []byte

	// MdidCoreReports / ReportSetupTime
	SetupModeRegister byte
	SetupModeTimer    byte

	// MdidCoreCommands / CmdStartSetup (seen in a transmit echo)
	Password uint16
}

// FormatTransmit assembles a bus packet: control word, addressing, MDID
// byte, payload and trailing checksum. Source id is always the PIM's
// placeholder (0xFF) — the PIM substitutes its real id on the wire.
func FormatTransmit(network, destination byte, mdidSet MdidSet, mdidCmd byte, payload []byte, opts TransmitOptions) []byte {
	dataLen := 7 + len(payload)

	var linkBit byte
	if opts.Link {
		linkBit = 1
	}
	byte0 := byte(dataLen) | (linkBit << 7) | (byte(opts.Repeater) << 5)
	byte1 := (byte(opts.AckRequest) << 4) | (opts.TransmitCount << 2) | opts.TransmitSeq

	msg := make([]byte, 0, dataLen)
	msg = append(msg, byte0, byte1, network, destination, DefaultDeviceID)
	msg = append(msg, byte(mdidSet)|(mdidCmd&0x1F))
	msg = append(msg, payload...)
	msg = append(msg, Cksum(msg))
	return msg
}

// ParseBusPacket decodes a reassembled bus packet and validates its CRC.
// A CRC mismatch is returned as an error; the caller must not dispatch the
// result to any waiter in that case.
func ParseBusPacket(packet []byte) (BusPacket, error) {
	if len(packet) < 7 {
		return BusPacket{}, fmt.Errorf("upbproto: packet too short: %d bytes", len(packet))
	}

	dataLenField := int(packet[0] & 0x1F)
	if dataLenField < 7 || dataLenField > len(packet) {
		return BusPacket{}, fmt.Errorf("upbproto: implausible data_len field %d for %d-byte packet", dataLenField, len(packet))
	}
	payloadLen := dataLenField - 7
	crcIndex := dataLenField - 1

	crc := packet[crcIndex]
	computed := Cksum(packet[:crcIndex])
	crcOk := crc == computed

	bp := BusPacket{
		Link:          packet[0]&0x80 != 0,
		Repeater:      Repeater((packet[0] >> 5) & 0x03),
		AckRequest:    AckRequest((packet[1] >> 4) & 0x01),
		TransmitCount: (packet[1] >> 2) & 0x03,
		TransmitSeq:   packet[1] & 0x03,
		NetworkID:     packet[2],
		DestinationID: packet[3],
		DeviceID:      packet[4],
		MdidSet:       MdidSet(packet[5] & 0xE0),
		MdidCmd:       packet[5] & 0x1F,
		CRCOk:         crcOk,
	}
	if !crcOk {
		return bp, fmt.Errorf("upbproto: crc mismatch: got 0x%02x want 0x%02x", crc, computed)
	}

	payload := packet[6 : 6+payloadLen]
	bp.Payload = payload

	switch {
	case bp.MdidSet == MdidCoreReports && MdidCoreReport(bp.MdidCmd) == ReportRegisterValues:
		if len(payload) >= 1 {
			bp.RegisterStart = payload[0]
			bp.RegisterVal = payload[1:]
		}
	case bp.MdidSet == MdidCoreReports && MdidCoreReport(bp.MdidCmd) == ReportDeviceSignature:
		if len(payload) >= 17 {
			bp.Random = binary.BigEndian.Uint16(payload[0:2])
			bp.Signal = payload[2]
			bp.Noise = payload[3]
			bp.IDChecksum = binary.BigEndian.Uint16(payload[4:6])
			bp.SetupChecksum = binary.BigEndian.Uint16(payload[6:8])
			ct := int(payload[8])
			if ct == 0 {
				ct = 256
			}
			bp.CTBytes = ct
			bp.Diagnostic = payload[9:17]
		}
	case bp.MdidSet == MdidCoreReports && MdidCoreReport(bp.MdidCmd) == ReportSetupTime:
		if len(payload) >= 2 {
			bp.SetupModeRegister = payload[0]
			bp.SetupModeTimer = payload[1]
		}
	case bp.MdidSet == MdidCoreCommands && MdidCoreCmd(bp.MdidCmd) == CmdStartSetup:
		if len(payload) >= 2 {
			bp.Password = binary.BigEndian.Uint16(payload[0:2])
		}
	}

	return bp, nil
}

// EncodeRegisterRequest builds a GetRegisterValues transmit packet reading
// count registers starting at start.
func EncodeRegisterRequest(network, destination, start, count byte) []byte {
	payload := []byte{start, count}
	return FormatTransmit(network, destination, MdidCoreCommands, byte(CmdGetRegisterValues), payload, TransmitOptions{AckRequest: AckNoRequeueOnNak})
}

// EncodeSignatureRequest builds a GetDeviceSignature transmit packet.
func EncodeSignatureRequest(network, destination byte) []byte {
	return FormatTransmit(network, destination, MdidCoreCommands, byte(CmdGetDeviceSignature), nil, TransmitOptions{AckRequest: AckNoRequeueOnNak})
}

// EncodeStartSetupRequest builds a StartSetup transmit packet carrying the
// 2-byte big-endian password candidate.
func EncodeStartSetupRequest(network, destination byte, password uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, password)
	return FormatTransmit(network, destination, MdidCoreCommands, byte(CmdStartSetup), payload, TransmitOptions{AckRequest: AckNoRequeueOnNak})
}

// EncodeSetupTimeRequest builds a GetSetupTime transmit packet.
func EncodeSetupTimeRequest(network, destination byte) []byte {
	return FormatTransmit(network, destination, MdidCoreCommands, byte(CmdGetSetupTime), nil, TransmitOptions{AckRequest: AckNoRequeueOnNak})
}

// EncodePimRegisterRead builds the payload for a UPB_PIM_READ PIM command:
// address | count | checksum. This addresses the PIM's own register space,
// not a bus packet, so it carries no control word or MDID.
func EncodePimRegisterRead(address UpbReg, count byte) []byte {
	data := []byte{byte(address), count}
	return append(data, Cksum(data))
}

// EncodePimRegisterWrite builds the payload for a PIM register write:
// address | value | checksum. See PimCmdPimWrite for why this command
// exists without a grounded wire definition.
func EncodePimRegisterWrite(address UpbReg, value byte) []byte {
	data := []byte{byte(address), value}
	return append(data, Cksum(data))
}

// PasswordBytesEqual reports whether the 2-byte buffer read back from
// registers [2:4] equals the big-endian encoding of password (Open
// Question 4: fixed as byte-for-byte equality against the BE encoding).
func PasswordBytesEqual(regs [2]byte, password uint16) bool {
	want := make([]byte, 2)
	binary.BigEndian.PutUint16(want, password)
	return regs[0] == want[0] && regs[1] == want[1]
}
