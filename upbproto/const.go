// Package upbproto encodes and decodes UPB bus packets and the small set
// of PIM register commands the client issues directly. It has no knowledge
// of transport or framing; it only ever sees whole byte slices.
package upbproto

// MdidSet is the high-3-bit message-data-identifier set of a bus packet's
// MDID byte (packet[5] & 0xe0).
type MdidSet uint8

const (
	MdidCoreCommands          MdidSet = 0x00
	MdidDeviceControlCommands MdidSet = 0x20
	MdidCoreReports           MdidSet = 0x80
)

func (s MdidSet) String() string {
	switch s {
	case MdidCoreCommands:
		return "CoreCommands"
	case MdidDeviceControlCommands:
		return "DeviceControlCommands"
	case MdidCoreReports:
		return "CoreReports"
	default:
		return "Unknown"
	}
}

// MdidCoreCmd is the low-5-bit command within MdidCoreCommands.
type MdidCoreCmd uint8

const (
	CmdGetRegisterValues  MdidCoreCmd = 0x01
	CmdGetDeviceSignature MdidCoreCmd = 0x02
	CmdGetSetupTime       MdidCoreCmd = 0x03
	CmdStartSetup         MdidCoreCmd = 0x04
)

func (c MdidCoreCmd) String() string {
	switch c {
	case CmdGetRegisterValues:
		return "GetRegisterValues"
	case CmdGetDeviceSignature:
		return "GetDeviceSignature"
	case CmdGetSetupTime:
		return "GetSetupTime"
	case CmdStartSetup:
		return "StartSetup"
	default:
		return "Unknown"
	}
}

// MdidCoreReport is the low-5-bit report id within MdidCoreReports. By
// convention a report shares its low-5-bit value with the command that
// solicits it (GetRegisterValues -> RegisterValues, etc).
type MdidCoreReport uint8

const (
	ReportRegisterValues  MdidCoreReport = 0x01
	ReportDeviceSignature MdidCoreReport = 0x02
	ReportSetupTime       MdidCoreReport = 0x03
)

func (r MdidCoreReport) String() string {
	switch r {
	case ReportRegisterValues:
		return "RegisterValues"
	case ReportDeviceSignature:
		return "DeviceSignature"
	case ReportSetupTime:
		return "SetupTime"
	default:
		return "Unknown"
	}
}

// MdidDeviceControlCmd is the low-5-bit command within
// MdidDeviceControlCommands. The core only needs to recognize the set; the
// product-specific command catalog lives outside the core.
type MdidDeviceControlCmd uint8

// DefaultDeviceID is the PIM's placeholder source-id used on outbound
// transmissions (the PIM fills in its own id on the wire).
const DefaultDeviceID = 0xFF

// Repeater is the repeater-request field of the control word's high byte.
type Repeater uint8

const (
	RepeaterNone Repeater = 0x00
)

// AckRequest is the acknowledgment-request field of the control word's low
// byte.
type AckRequest uint8

const (
	AckNoRequeueOnNak AckRequest = 0x00
	AckRequestAck     AckRequest = 0x01
)

// UpbReg addresses the PIM's own register space (distinct from a device's
// 256-byte memory image).
type UpbReg uint8

const (
	RegFirmwareVersion UpbReg = 0x00 // 2 bytes
	RegPimOptions      UpbReg = 0x02 // 1 byte
	RegManufacturerID  UpbReg = 0x03 // 2 bytes
	RegProductID       UpbReg = 0x05 // 2 bytes
	RegNetworkID       UpbReg = 0x07 // 1 byte
	RegUpbOptions      UpbReg = 0x08 // 1 byte
	RegUpbVersion      UpbReg = 0x09 // 1 byte
	RegNoiseFloor      UpbReg = 0x0A // 1 byte
)

// RegisterReadLen returns the number of bytes the PIM init sequence reads
// for a given PIM register, mirroring the per-register sizing in the
// retrieved Python pim_memory_read.
func RegisterReadLen(reg UpbReg) uint8 {
	switch reg {
	case RegFirmwareVersion, RegManufacturerID, RegProductID:
		return 2
	default:
		return 1
	}
}

// PimOptionsMessageMode is the value PIM init writes to RegPimOptions to
// force the verbose per-crumb telemetry the LineParser expects.
const PimOptionsMessageMode = 0xF0

// PimCmd is the one-byte PIM command prefixed to every outbound wire
// frame. Unlike the MDID/token constants above, these two
// values are given explicitly by the retrieved protocol description.
type PimCmd uint8

const (
	PimCmdNetworkTransmit PimCmd = 0x14
	PimCmdPimRead         PimCmd = 0x72
	// PimCmdPimWrite is not given by the retrieved protocol description
	// (no revision of original_source/upb implements a PIM register
	// write at all) but PIM init requires writing PIM_OPTIONS to force
	// message mode. Modeled as the natural write counterpart of PimCmdPimRead,
	// one command byte away on the wire, same payload shape.
	PimCmdPimWrite PimCmd = 0x73
)
