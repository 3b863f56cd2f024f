package pulse

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jameshilliard/upbgo/upbproto"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]byte
}

func (w *fakeWriter) WritePacket(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), data...)
	w.writes = append(w.writes, cp)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return nil
	}
	return w.writes[len(w.writes)-1]
}

func TestMultiplexerSingleInFlightFIFO(t *testing.T) {
	writer := &fakeWriter{}
	mux := NewMultiplexer(writer, time.Hour, nil)
	mux.SetPulseLive(true)

	a := upbproto.EncodeRegisterRequest(1, 1, 0, 16)
	b := upbproto.EncodeRegisterRequest(1, 2, 0, 16)
	c := upbproto.EncodeRegisterRequest(1, 3, 0, 16)

	resA := make(chan upbproto.BusPacket, 1)
	resB := make(chan upbproto.BusPacket, 1)
	resC := make(chan upbproto.BusPacket, 1)

	go func() { bp, _ := mux.SendBus(context.Background(), a); resA <- bp }()
	time.Sleep(20 * time.Millisecond)
	go func() { bp, _ := mux.SendBus(context.Background(), b); resB <- bp }()
	time.Sleep(20 * time.Millisecond)
	go func() { bp, _ := mux.SendBus(context.Background(), c); resC <- bp }()
	time.Sleep(20 * time.Millisecond)

	if writer.count() != 1 {
		t.Fatalf("writes after enqueueing A,B,C = %d, want 1 (only A on the wire)", writer.count())
	}

	bpA, err := upbproto.ParseBusPacket(a)
	if err != nil {
		t.Fatalf("parse a: %v", err)
	}
	if !mux.ResolveByLastTransmitted(a, Result{BusPacket: bpA}) {
		t.Fatalf("failed to resolve A")
	}
	select {
	case <-resA:
	case <-time.After(time.Second):
		t.Fatalf("A waiter never resolved")
	}

	time.Sleep(20 * time.Millisecond)
	if writer.count() != 2 {
		t.Fatalf("writes after resolving A = %d, want 2 (B now on the wire)", writer.count())
	}
	if string(writer.last()) != string(buildFrameForTest(b)) {
		t.Fatalf("expected B on the wire next, got a different frame (possibly C out of order)")
	}

	bpB, _ := upbproto.ParseBusPacket(b)
	mux.ResolveByLastTransmitted(b, Result{BusPacket: bpB})
	<-resB
	bpC, _ := upbproto.ParseBusPacket(c)
	mux.ResolveByLastTransmitted(c, Result{BusPacket: bpC})
	<-resC
}

func buildFrameForTest(packet []byte) []byte {
	msg := make([]byte, 0, 2+len(packet)*2+1)
	msg = append(msg, byte(upbproto.PimCmdNetworkTransmit))
	msg = append(msg, []byte(upbproto.SwapcaseHex(packet))...)
	msg = append(msg, '\r')
	return msg
}

func TestMultiplexerBusTransmitWaitsForPulseLive(t *testing.T) {
	writer := &fakeWriter{}
	mux := NewMultiplexer(writer, time.Hour, nil)

	packet := upbproto.EncodeSignatureRequest(1, 1)
	done := make(chan struct{})
	go func() {
		mux.SendBus(context.Background(), packet)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if writer.count() != 0 {
		t.Fatalf("writes before pulse live = %d, want 0", writer.count())
	}

	mux.SetPulseLive(true)
	time.Sleep(20 * time.Millisecond)
	if writer.count() != 1 {
		t.Fatalf("writes after pulse live = %d, want 1", writer.count())
	}

	bp, _ := upbproto.ParseBusPacket(packet)
	mux.ResolveByLastTransmitted(packet, Result{BusPacket: bp})
	<-done
}

func TestMultiplexerPimReadDoesNotInterleaveWithBusTransmit(t *testing.T) {
	writer := &fakeWriter{}
	mux := NewMultiplexer(writer, time.Hour, nil)
	mux.SetPulseLive(true)

	go mux.SendPimRead(context.Background(), upbproto.RegNetworkID, 1)
	time.Sleep(20 * time.Millisecond)

	packet := upbproto.EncodeSignatureRequest(1, 1)
	go mux.SendBus(context.Background(), packet)
	time.Sleep(20 * time.Millisecond)

	if writer.count() != 1 {
		t.Fatalf("writes = %d, want 1 (bus transmit must wait behind the pim read)", writer.count())
	}

	mux.ResolvePimRegister(byte(upbproto.RegNetworkID), []byte{0x05})
	time.Sleep(20 * time.Millisecond)
	if writer.count() != 2 {
		t.Fatalf("writes after pim read resolved = %d, want 2", writer.count())
	}
}

func TestMultiplexerCancelAllResolvesEveryWaiter(t *testing.T) {
	writer := &fakeWriter{}
	mux := NewMultiplexer(writer, time.Hour, nil)
	mux.SetPulseLive(true)

	packet := upbproto.EncodeSignatureRequest(1, 1)
	errCh := make(chan error, 1)
	go func() {
		_, err := mux.SendBus(context.Background(), packet)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	second := upbproto.EncodeRegisterRequest(1, 1, 0, 16)
	err2Ch := make(chan error, 1)
	go func() {
		_, err := mux.SendBus(context.Background(), second)
		err2Ch <- err
	}()
	time.Sleep(20 * time.Millisecond)

	mux.CancelAll(context.Canceled)

	select {
	case err := <-errCh:
		if err == nil {
			t.Errorf("expected error for in-flight waiter")
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight waiter never resolved")
	}
	select {
	case err := <-err2Ch:
		if err == nil {
			t.Errorf("expected error for queued waiter")
		}
	case <-time.After(time.Second):
		t.Fatalf("queued waiter never resolved")
	}
}
