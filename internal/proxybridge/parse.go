// SPDX-License-Identifier: MIT

// Package proxybridge terminates Proxy-Protocol-v2 framing in front of the
// HTTP listener: it validates the binary header chain, extracts the real
// client address and splices the connection onto the internal server with
// rewritten forwarding headers.
package proxybridge

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// v2Signature is the fixed 12-byte Proxy-Protocol-v2 preamble.
var v2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	// maxChainHeaders bounds stacked v2 headers per connection.
	maxChainHeaders = 32
	// maxHeadBytes bounds the buffered HTTP head after the v2 chain.
	maxHeadBytes = 128 << 10
)

var (
	// ErrBadSignature means the connection did not start with the v2 preamble.
	ErrBadSignature = errors.New("proxy protocol signature mismatch")
	// ErrMalformedHeader covers version, command and length violations.
	ErrMalformedHeader = errors.New("malformed proxy protocol header")
	// ErrChainTooLong rejects chains of more than 32 stacked headers.
	ErrChainTooLong = errors.New("proxy protocol chain too long")
)

// HasSignature reports whether data starts with the v2 preamble.
func HasSignature(data []byte) bool {
	if len(data) < len(v2Signature) {
		return false
	}
	for i, b := range v2Signature {
		if data[i] != b {
			return false
		}
	}
	return true
}

// readChain consumes every stacked v2 header from r and returns the client
// address carried by the last PROXY command, or nil when only LOCAL commands
// were seen.
func readChain(r *bufio.Reader) (net.IP, error) {
	var client net.IP
	for n := 0; ; n++ {
		if n >= maxChainHeaders {
			return nil, ErrChainTooLong
		}
		peek, err := r.Peek(len(v2Signature))
		if err != nil || !HasSignature(peek) {
			if n == 0 {
				return nil, ErrBadSignature
			}
			return client, nil
		}
		ip, err := readOne(r)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			client = ip
		}
	}
}

// readOne consumes a single v2 header. The 16-byte fixed part is
// signature(12) + version/command(1) + family/protocol(1) + length(2).
func readOne(r *bufio.Reader) (net.IP, error) {
	fixed := make([]byte, 16)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, ErrMalformedHeader
	}
	verCmd := fixed[12]
	if verCmd>>4 != 0x2 {
		return nil, fmt.Errorf("%w: version %#x", ErrMalformedHeader, verCmd>>4)
	}
	cmd := verCmd & 0x0f
	if cmd > 0x1 {
		return nil, fmt.Errorf("%w: command %#x", ErrMalformedHeader, cmd)
	}
	family := fixed[13] >> 4
	addrLen := int(binary.BigEndian.Uint16(fixed[14:16]))
	addr := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addr); err != nil {
		return nil, ErrMalformedHeader
	}
	if cmd == 0x0 { // LOCAL: address block, if any, is ignored
		return nil, nil
	}
	switch family {
	case 0x1: // AF_INET
		if addrLen < 12 {
			return nil, ErrMalformedHeader
		}
		return net.IP(addr[0:4]), nil
	case 0x2: // AF_INET6
		if addrLen < 36 {
			return nil, ErrMalformedHeader
		}
		return net.IP(addr[0:16]), nil
	default:
		// AF_UNSPEC / AF_UNIX: no usable client address.
		return nil, nil
	}
}

// ParseChain parses a standalone v2 header chain (as delivered in the
// X-Proxy-Protocol-V2 header after base64 or hex decoding) and returns the
// authoritative client address.
func ParseChain(data []byte) (net.IP, error) {
	return readChain(bufio.NewReader(bytes.NewReader(data)))
}
