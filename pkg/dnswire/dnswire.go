// Package dnswire implements the RFC 1035 wire framing keel's DNS server
// needs on top of a message codec: length-prefixed TCP framing and the
// NODATA/NXDOMAIN rcode normalization applied to every response before it
// goes on the wire.
//
// Message encode/decode itself (including name pointer compression) is
// delegated to github.com/miekg/dns, which already implements the RCODE and
// RR-type tables RFC 1035 and its extensions define; this package only adds
// the framing and response-shaping rules keel's server layers on top.
package dnswire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/miekg/dns"
)

// MaxTCPMessageSize is the largest DNS-over-TCP message keel will dispatch.
// A length prefix greater than this indicates framing desync and the
// connection is closed rather than read further.
const MaxTCPMessageSize = 4096

// ErrFrameTooLarge is returned by ReadTCPMessage when the 2-byte length
// prefix exceeds MaxTCPMessageSize.
var ErrFrameTooLarge = fmt.Errorf("dnswire: TCP frame exceeds %d bytes", MaxTCPMessageSize)

// ReadTCPMessage reads one length-prefixed DNS message from r: a 2-byte
// big-endian length followed by that many bytes of packed message. It
// returns ErrFrameTooLarge without attempting to read the body if the
// prefix exceeds MaxTCPMessageSize, since the caller should close the
// connection rather than try to resynchronize.
func ReadTCPMessage(r io.Reader) (*dns.Msg, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(lenBuf[:])
	if int(length) > MaxTCPMessageSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, fmt.Errorf("dnswire: unpack TCP message: %w", err)
	}
	return msg, nil
}

// WriteTCPMessage packs msg and writes it to w prefixed with its 2-byte
// big-endian length.
func WriteTCPMessage(w io.Writer, msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("dnswire: pack TCP message: %w", err)
	}
	if len(packed) > MaxTCPMessageSize {
		return ErrFrameTooLarge
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(packed)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(packed)
	return err
}

// NormalizeRcode applies keel's NODATA/NXDOMAIN distinction to a handler's
// response: a response with zero answers keeps rcode noError as-is
// (NODATA — the domain exists but has nothing of the queried type), while
// a response with zero answers and any other rcode is upgraded to
// nonExistentDomain (NXDOMAIN), covering both "no handler recognized this
// name" and any handler-reported failure short of a real answer.
func NormalizeRcode(msg *dns.Msg) {
	if len(msg.Answer) > 0 {
		return
	}
	if msg.Rcode != dns.RcodeSuccess {
		msg.Rcode = dns.RcodeNameError
	}
}

// NotImplemented builds the reply the server sends when no handler in its
// chain recognized a query, before NormalizeRcode turns it into NXDOMAIN.
func NotImplemented(req *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Rcode = dns.RcodeNotImplemented
	return reply
}
