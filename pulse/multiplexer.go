package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jameshilliard/upbgo/diagnostics"
	"github.com/jameshilliard/upbgo/upbproto"
)

// PacketWriter is the transport capability the Multiplexer needs: write
// one already-framed wire packet.
type PacketWriter interface {
	WritePacket(data []byte) error
}

// Result is what a waiter receives: either a decoded bus packet, raw PIM
// register data, or an error (disconnect, cancellation).
type Result struct {
	BusPacket upbproto.BusPacket
	PimStart  byte
	PimData   []byte
	Err       error
}

type waiterKind int

const (
	kindBusTransmit waiterKind = iota
	kindPimRead
	kindPimWrite
)

type queueEntry struct {
	waiter     chan Result
	kind       waiterKind
	bytes      []byte
	pimAddress byte
}

// Multiplexer is the outstanding-request table: a FIFO of
// queued commands, at most one in flight across in_flight_tx and
// in_flight_reg, a single 10-second resend timer, single-in-flight
// semantics enforced by never starting a second transmission while one
// is outstanding.
type Multiplexer struct {
	writer         PacketWriter
	log            *logrus.Entry
	resendInterval time.Duration
	stats          *diagnostics.Stats

	mu          sync.Mutex
	queue       []queueEntry
	inFlightTx  map[string]chan Result
	inFlightReg map[byte]chan Result
	active      *queueEntry
	pulseLive   bool
	resendTimer *time.Timer
}

// NewMultiplexer builds a Multiplexer writing framed wire packets through
// writer with the given resend interval (spec says 10 seconds).
func NewMultiplexer(writer PacketWriter, resendInterval time.Duration, log *logrus.Entry) *Multiplexer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Multiplexer{
		writer:         writer,
		log:            log.WithField("component", "multiplexer"),
		resendInterval: resendInterval,
		inFlightTx:     make(map[string]chan Result),
		inFlightReg:    make(map[byte]chan Result),
	}
}

// SetStats attaches counters for resends and PIM-busy retransmits.
// Optional; nil-safe if never called.
func (m *Multiplexer) SetStats(stats *diagnostics.Stats) {
	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}

// SetPulseLive marks whether pulse mode is confirmed live. Bus transmits
// only start wire transmission once this is true).
func (m *Multiplexer) SetPulseLive(live bool) {
	m.mu.Lock()
	m.pulseLive = live
	m.mu.Unlock()
	if live {
		m.advance()
	}
}

// SendBus enqueues a bus packet transmission and blocks until it
// resolves, errors, or ctx is canceled.
func (m *Multiplexer) SendBus(ctx context.Context, packet []byte) (upbproto.BusPacket, error) {
	waiter := make(chan Result, 1)
	m.mu.Lock()
	m.queue = append(m.queue, queueEntry{waiter: waiter, kind: kindBusTransmit, bytes: packet})
	m.mu.Unlock()
	m.advance()

	select {
	case res := <-waiter:
		return res.BusPacket, res.Err
	case <-ctx.Done():
		return upbproto.BusPacket{}, ctx.Err()
	}
}

// SendPimRead enqueues a PIM register read and blocks until it resolves.
func (m *Multiplexer) SendPimRead(ctx context.Context, address upbproto.UpbReg, count byte) ([]byte, error) {
	payload := upbproto.EncodePimRegisterRead(address, count)
	return m.sendPimCmd(ctx, kindPimRead, address, payload)
}

// SendPimWrite enqueues a PIM register write and blocks until the PIM
// reports back the register's new value.
func (m *Multiplexer) SendPimWrite(ctx context.Context, address upbproto.UpbReg, value byte) ([]byte, error) {
	payload := upbproto.EncodePimRegisterWrite(address, value)
	return m.sendPimCmd(ctx, kindPimWrite, address, payload)
}

func (m *Multiplexer) sendPimCmd(ctx context.Context, kind waiterKind, address upbproto.UpbReg, payload []byte) ([]byte, error) {
	waiter := make(chan Result, 1)
	m.mu.Lock()
	m.queue = append(m.queue, queueEntry{waiter: waiter, kind: kind, bytes: payload, pimAddress: byte(address)})
	m.mu.Unlock()
	m.advance()

	select {
	case res := <-waiter:
		return res.PimData, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Multiplexer) advance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
}

func (m *Multiplexer) advanceLocked() {
	if m.active != nil || len(m.queue) == 0 {
		return
	}
	entry := m.queue[0]
	m.queue = m.queue[1:]

	if entry.kind == kindBusTransmit && !m.pulseLive {
		m.log.Debug("waiting on pulse mode, requeuing transmission")
		m.queue = append(m.queue, entry)
		return
	}

	switch entry.kind {
	case kindBusTransmit:
		m.inFlightTx[string(entry.bytes)] = entry.waiter
	case kindPimRead, kindPimWrite:
		m.inFlightReg[entry.pimAddress] = entry.waiter
	}
	m.active = &entry
	m.writeActiveLocked()
}

func (m *Multiplexer) writeActiveLocked() {
	entry := m.active
	var cmd upbproto.PimCmd
	switch entry.kind {
	case kindBusTransmit:
		cmd = upbproto.PimCmdNetworkTransmit
	case kindPimRead:
		cmd = upbproto.PimCmdPimRead
	case kindPimWrite:
		cmd = upbproto.PimCmdPimWrite
	}

	msg := make([]byte, 0, 2+len(entry.bytes)*2+1)
	msg = append(msg, byte(cmd))
	msg = append(msg, []byte(upbproto.SwapcaseHex(entry.bytes))...)
	msg = append(msg, '\r')

	m.log.Debugf("sending packet: %s", upbproto.Hexdump(entry.bytes, ""))
	if err := m.writer.WritePacket(msg); err != nil {
		m.log.WithError(err).Warn("write failed, leaving resend timer to retry")
	}
	m.resetResendTimerLocked()
}

func (m *Multiplexer) resetResendTimerLocked() {
	if m.resendTimer != nil {
		m.resendTimer.Stop()
	}
	m.resendTimer = time.AfterFunc(m.resendInterval, m.onResendFire)
}

func (m *Multiplexer) stopResendTimerLocked() {
	if m.resendTimer != nil {
		m.resendTimer.Stop()
		m.resendTimer = nil
	}
}

func (m *Multiplexer) onResendFire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.log.Warnf("resending packet due to timeout: %s", upbproto.Hexdump(m.active.bytes, ""))
	if m.stats != nil {
		m.stats.IncResend()
	}
	m.writeActiveLocked()
}

// HandlePimBusy rewrites the active packet immediately, per
// PIMREPORT/UPB_PIM_BUSY.
func (m *Multiplexer) HandlePimBusy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.log.Warn("PIM busy, resending active packet")
	if m.stats != nil {
		m.stats.IncPimBusyRetransmit()
	}
	m.writeActiveLocked()
}

// HandlePimAccept is purely observational: the PIM acknowledged a
// transmit request.
func (m *Multiplexer) HandlePimAccept() {
	m.log.Debug("got pim accept")
}

// ResolveByLastTransmitted completes the waiter whose queued bytes match
// lastTransmitted exactly — the only correlation key the bus protocol
// offers.
func (m *Multiplexer) ResolveByLastTransmitted(lastTransmitted []byte, result Result) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(lastTransmitted)
	waiter, ok := m.inFlightTx[key]
	if !ok {
		return false
	}
	delete(m.inFlightTx, key)
	m.stopResendTimerLocked()
	m.active = nil
	waiter <- result
	m.advanceLocked()
	return true
}

// ResolvePimRegister completes the waiter for a PIM register read, if the
// reported start address matches the address the currently active read
// requested: only then does it resolve the register waiter.
func (m *Multiplexer) ResolvePimRegister(start byte, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || (m.active.kind != kindPimRead && m.active.kind != kindPimWrite) || m.active.pimAddress != start {
		return false
	}
	waiter, ok := m.inFlightReg[start]
	if !ok {
		return false
	}
	delete(m.inFlightReg, start)
	m.stopResendTimerLocked()
	m.active = nil
	waiter <- Result{PimStart: start, PimData: data}
	m.advanceLocked()
	return true
}

// CancelAll resolves every queued, in-flight, and active waiter with err.
// Used on disconnect so no waiter is leaked across a reconnect.
func (m *Multiplexer) CancelAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, waiter := range m.inFlightTx {
		waiter <- Result{Err: err}
	}
	m.inFlightTx = make(map[string]chan Result)

	for _, waiter := range m.inFlightReg {
		waiter <- Result{Err: err}
	}
	m.inFlightReg = make(map[byte]chan Result)

	for _, entry := range m.queue {
		entry.waiter <- Result{Err: err}
	}
	m.queue = nil
	m.active = nil
	m.pulseLive = false
	m.stopResendTimerLocked()
}
