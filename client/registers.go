package client

import (
	"context"
	"fmt"

	"github.com/jameshilliard/upbgo/pulse"
	"github.com/jameshilliard/upbgo/upbproto"
)

const chunkSize = 16

// ReadDeviceRegisters runs the full device-registers read procedure: a
// signature request, parallel 16-byte chunked register
// reads, a checksum-diff check and, if the device reports a hidden
// password, the two-phase password-recovery search before returning the
// full 256-byte image. It implements device.RegisterReader, so a
// device.Memory can call back into its owning Client to refresh itself.
func (c *Client) ReadDeviceRegisters(ctx context.Context, networkID, deviceID byte) ([256]byte, error) {
	var regs [256]byte

	mux, err := c.currentMux()
	if err != nil {
		return regs, err
	}

	sigPacket := upbproto.EncodeSignatureRequest(networkID, deviceID)
	sig, err := mux.SendBus(ctx, sigPacket)
	if err != nil {
		return regs, fmt.Errorf("signature request: %w", err)
	}

	if err := readRegisterChunks(ctx, mux, networkID, deviceID, sig.CTBytes, &regs); err != nil {
		return regs, fmt.Errorf("register read: %w", err)
	}

	upbidCRC := sumRange(regs[:], 0, 64)
	setupCRC := sumRange(regs[:], 0, sig.CTBytes)
	sideA := int(sig.IDChecksum) - upbidCRC
	sideB := int(sig.SetupChecksum) - setupCRC
	if sideA != sideB {
		return regs, fmt.Errorf("%w: signature mismatch (id side=%d setup side=%d)", ErrProtocolInvariant, sideA, sideB)
	}

	diff := sideA
	if diff < 0 || diff > 512 {
		return regs, fmt.Errorf("%w: diff=%d out of range", ErrProtocolInvariant, diff)
	}
	if diff == 0 {
		return regs, nil
	}

	password, err := c.recoverPassword(ctx, mux, networkID, deviceID, diff)
	if err != nil {
		return regs, err
	}

	verifyPacket := upbproto.EncodeRegisterRequest(networkID, deviceID, 2, 2)
	verify, err := mux.SendBus(ctx, verifyPacket)
	if err != nil {
		return regs, fmt.Errorf("post-recovery register read: %w", err)
	}
	if len(verify.RegisterVal) < 2 || !upbproto.PasswordBytesEqual([2]byte{verify.RegisterVal[0], verify.RegisterVal[1]}, password) {
		return regs, fmt.Errorf("%w: recovered password did not verify against registers[2:4]", ErrProtocolInvariant)
	}
	copy(regs[2:4], verify.RegisterVal[:2])
	return regs, nil
}

// readRegisterChunks fans out 16-byte chunk reads covering [0, ctBytes)
// and awaits them all in parallel; the Multiplexer itself serializes
// them on the wire.
func readRegisterChunks(ctx context.Context, mux *pulse.Multiplexer, networkID, deviceID byte, ctBytes int, regs *[256]byte) error {
	type chunkResult struct {
		start int
		data  []byte
		err   error
	}

	var starts []int
	for start := 0; start < ctBytes; start += chunkSize {
		starts = append(starts, start)
	}

	results := make(chan chunkResult, len(starts))
	for _, start := range starts {
		n := chunkSize
		if start+n > ctBytes {
			n = ctBytes - start
		}
		go func(start, n int) {
			packet := upbproto.EncodeRegisterRequest(networkID, deviceID, byte(start), byte(n))
			bp, err := mux.SendBus(ctx, packet)
			if err != nil {
				results <- chunkResult{start: start, err: err}
				return
			}
			results <- chunkResult{start: start, data: bp.RegisterVal}
		}(start, n)
	}

	var firstErr error
	for range starts {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		copy(regs[res.start:], res.data)
	}
	return firstErr
}

// recoverPassword tries each password candidate in turn (sequentially:
// each attempt mutates device setup-mode state and must be awaited
// before the next) until one succeeds or the search is exhausted.
func (c *Client) recoverPassword(ctx context.Context, mux *pulse.Multiplexer, networkID, deviceID byte, diff int) (uint16, error) {
	for _, candidate := range passwordCandidates(diff) {
		ok, err := c.tryPassword(ctx, mux, networkID, deviceID, candidate)
		if err != nil {
			return 0, fmt.Errorf("password attempt 0x%04x: %w", candidate, err)
		}
		if ok {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: password search exhausted for diff=%d", ErrProtocolInvariant, diff)
}

// tryPassword issues START_SETUP(candidate) followed immediately by
// GET_SETUP_TIME; success iff the device reports a non-zero setup-mode
// timer.
func (c *Client) tryPassword(ctx context.Context, mux *pulse.Multiplexer, networkID, deviceID byte, candidate uint16) (bool, error) {
	startPacket := upbproto.EncodeStartSetupRequest(networkID, deviceID, candidate)
	if _, err := mux.SendBus(ctx, startPacket); err != nil {
		return false, err
	}

	timePacket := upbproto.EncodeSetupTimeRequest(networkID, deviceID)
	bp, err := mux.SendBus(ctx, timePacket)
	if err != nil {
		return false, err
	}
	return bp.SetupModeTimer != 0, nil
}

func sumRange(buf []byte, start, end int) int {
	sum := 0
	for _, b := range buf[start:end] {
		sum += int(b)
	}
	return sum
}
