package pulse

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/jameshilliard/upbgo/diagnostics"
	"github.com/jameshilliard/upbgo/upbproto"
)

// muxBackend is the subset of Multiplexer the LineParser drives. Kept as
// an interface so the reassembly state machine can be tested without a
// real Multiplexer.
type muxBackend interface {
	ResolveByLastTransmitted(lastTransmitted []byte, result Result) bool
	ResolvePimRegister(start byte, data []byte) bool
	HandlePimBusy()
	HandlePimAccept()
	SetPulseLive(live bool)
}

// RegisterUpdater receives a device register-values report.
type RegisterUpdater interface {
	UpdateRegisters(networkID, deviceID, start byte, data []byte)
}

// SignatureUpdater receives a device signature report.
type SignatureUpdater interface {
	UpdateSignature(networkID, deviceID byte, idChecksum, setupChecksum uint16, ctBytes int)
}

// LineParser consumes one PIM telemetry line at a time and drives the
// bit-stream reassembly state machine.
type LineParser struct {
	mux        muxBackend
	registers  RegisterUpdater
	signatures SignatureUpdater
	log        *logrus.Entry
	stats      *diagnostics.Stats

	packetBuf       [64]byte
	packetByte      int
	packetCrumb     int
	pulseDataSeq    byte
	transmittedFlag bool
	idleCount       int
	lastTransmitted []byte
}

// NewLineParser builds a LineParser delivering completed reports to mux
// and device-memory updates to registers/signatures (either may be nil).
func NewLineParser(mux muxBackend, registers RegisterUpdater, signatures SignatureUpdater, log *logrus.Entry) *LineParser {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LineParser{
		mux:        mux,
		registers:  registers,
		signatures: signatures,
		log:        log.WithField("component", "lineparser"),
	}
}

// SetStats attaches counters for idle lines and CRC errors. Optional;
// nil-safe if never called.
func (p *LineParser) SetStats(stats *diagnostics.Stats) {
	p.stats = stats
}

// FeedLine processes one reassembled PIM line, matching transport.LineSink.
func (p *LineParser) FeedLine(line []byte) {
	if len(line) == 0 {
		return
	}
	token := Token(line[0])
	data := line[1:]

	if token == TokenIdle {
		p.idleCount++
	} else {
		if p.idleCount != 0 {
			p.log.Debugf("received PIM idle count: %d", p.idleCount)
		}
		p.idleCount = 0
	}
	if p.stats != nil {
		p.stats.SetIdleCount(p.idleCount)
	}

	switch {
	case token == TokenIdle:
		p.markPulseLive()
	case token == TokenDrop:
		p.log.Error("dropped message")
		p.setStateZero()
	case token == TokenPimReport:
		p.handlePimReport(data)
	case token == TokenSync, token == TokenStart:
		p.markPulseLive()
		p.packetByte = 0
		p.packetCrumb = 0
	case isDataToken(token):
		p.markPulseLive()
		if len(data) == 2 {
			p.feedCrumb(byte(token)-0x30, data[1])
		}
	case token == TokenTransmitted:
		p.markPulseLive()
		p.transmittedFlag = true
		if len(data) == 2 {
			p.feedCrumb(data[0]-0x30, data[1])
		}
	case token == TokenAck, token == TokenNak:
		p.markPulseLive()
		p.handleAckNak()
	default:
		p.log.Errorf("PIM failed to parse line: %s", upbproto.Hexdump(line, ""))
	}
}

func (p *LineParser) markPulseLive() {
	p.mux.SetPulseLive(true)
}

func (p *LineParser) setStateZero() {
	p.transmittedFlag = false
	p.pulseDataSeq = 0
	p.packetCrumb = 0
	p.packetByte = 0
}

// feedCrumb packs a two-bit crumb into packetBuf, verifying the 4-bit
// sequence strictly increases modulo 16 between crumbs.
func (p *LineParser) feedCrumb(twoBits, seqHex byte) {
	seq := hexNibble(seqHex)
	if seq != p.pulseDataSeq {
		p.log.Debugf("bad crumb sequence: got %d want %d", seq, p.pulseDataSeq)
		return
	}
	if p.packetByte >= len(p.packetBuf) {
		p.log.Error("packet buffer overflow, resetting reassembly")
		p.setStateZero()
		return
	}

	switch p.packetCrumb {
	case 0:
		p.packetBuf[p.packetByte] = twoBits << 6
		p.packetCrumb = 1
	case 1:
		p.packetBuf[p.packetByte] |= twoBits << 4
		p.packetCrumb = 2
	case 2:
		p.packetBuf[p.packetByte] |= twoBits << 2
		p.packetCrumb = 3
	case 3:
		p.packetBuf[p.packetByte] |= twoBits
		p.packetCrumb = 0
		p.packetByte++
	}
	p.pulseDataSeq = (p.pulseDataSeq + 1) & 0x0F
}

func (p *LineParser) handleAckNak() {
	message := append([]byte(nil), p.packetBuf[:p.packetByte]...)
	transmitted := p.transmittedFlag
	p.setStateZero()

	if len(message) == 0 {
		return
	}
	if transmitted {
		p.processTransmitted(message)
	} else {
		p.processReceived(message)
	}
}

func (p *LineParser) handlePimReport(data []byte) {
	if len(data) < 1 {
		p.log.Error("got corrupt pim report: empty")
		return
	}
	subtype := PimReportSubtype(data[0])
	switch subtype {
	case PimReportRegisters:
		raw, err := hex.DecodeString(string(data[1:]))
		if err != nil || len(raw) < 1 {
			p.log.WithError(err).Warn("corrupt pim register report")
			return
		}
		start := raw[0]
		registerVal := raw[1:]
		p.log.Debugf("pim registers start=0x%02x val=%s", start, upbproto.Hexdump(registerVal, ""))
		p.mux.ResolvePimRegister(start, registerVal)
	case PimReportAccept:
		p.mux.HandlePimAccept()
	case PimReportBusy:
		p.mux.HandlePimBusy()
	default:
		p.log.Warnf("got corrupt pim report: subtype 0x%02x", data[0])
	}
}

// processReceived decodes an incoming (non-echo) bus packet and resolves
// the Multiplexer waiter keyed by the last transmitted request (spec
// §4.3).
func (p *LineParser) processReceived(message []byte) {
	bp, err := upbproto.ParseBusPacket(message)
	if err != nil {
		p.log.WithError(err).Warn("dropping malformed bus packet")
		if p.stats != nil {
			p.stats.IncCRCError()
		}
		return
	}

	switch {
	case bp.MdidSet == upbproto.MdidCoreReports && upbproto.MdidCoreReport(bp.MdidCmd) == upbproto.ReportRegisterValues:
		if p.registers != nil {
			p.registers.UpdateRegisters(bp.NetworkID, bp.DeviceID, bp.RegisterStart, bp.RegisterVal)
		}
		p.mux.ResolveByLastTransmitted(p.lastTransmitted, Result{BusPacket: bp})
	case bp.MdidSet == upbproto.MdidCoreReports && upbproto.MdidCoreReport(bp.MdidCmd) == upbproto.ReportDeviceSignature:
		if p.signatures != nil {
			p.signatures.UpdateSignature(bp.NetworkID, bp.DeviceID, bp.IDChecksum, bp.SetupChecksum, bp.CTBytes)
		}
		p.mux.ResolveByLastTransmitted(p.lastTransmitted, Result{BusPacket: bp})
	case bp.MdidSet == upbproto.MdidCoreReports && upbproto.MdidCoreReport(bp.MdidCmd) == upbproto.ReportSetupTime:
		p.mux.ResolveByLastTransmitted(p.lastTransmitted, Result{BusPacket: bp})
	default:
		p.log.Debugf("received packet with unhandled mdid set=%v cmd=0x%02x", bp.MdidSet, bp.MdidCmd)
	}
	p.lastTransmitted = nil
}

// processTransmitted handles the PIM's echo of what it just put on the
// bus. The reassembled buffer carries one leading byte ahead of the
// actual bus packet — an artifact of the retrieved protocol source,
// preserved here rather than explained away. STARTSETUP resolves
// immediately on its own echo, since no remote reply follows; every
// other command just records last_transmitted for the next incoming
// report to correlate against.
func (p *LineParser) processTransmitted(message []byte) {
	if len(message) < 1 {
		return
	}
	header := message[0]
	packet := message[1:]
	p.lastTransmitted = packet

	bp, err := upbproto.ParseBusPacket(packet)
	if err != nil {
		p.log.WithError(err).Warn("dropping malformed transmitted echo")
		if p.stats != nil {
			p.stats.IncCRCError()
		}
		return
	}
	p.log.Debugf("transmitted echo header=0x%02x packet=%s", header, upbproto.Hexdump(packet, ""))

	switch {
	case bp.MdidSet == upbproto.MdidCoreCommands && upbproto.MdidCoreCmd(bp.MdidCmd) == upbproto.CmdStartSetup:
		p.mux.ResolveByLastTransmitted(packet, Result{BusPacket: bp})
	case bp.MdidSet == upbproto.MdidCoreCommands && upbproto.MdidCoreCmd(bp.MdidCmd) == upbproto.CmdGetRegisterValues && len(bp.Payload) >= 2:
		p.log.Debugf("transmitted echo: register_start=0x%02x registers=0x%02x", bp.Payload[0], bp.Payload[1])
	}
}

func hexNibble(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	}
	return 0
}
