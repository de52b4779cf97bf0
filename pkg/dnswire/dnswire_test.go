package dnswire

import (
	"bytes"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func sampleMessage() *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = 4242
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: "web.keel.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: "web.keel.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 10},
			A:   net.IPv4(10, 1, 2, 3),
		},
	}
	return msg
}

func TestTCPMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	original := sampleMessage()

	if err := WriteTCPMessage(&buf, original); err != nil {
		t.Fatalf("WriteTCPMessage() error = %v", err)
	}

	got, err := ReadTCPMessage(&buf)
	if err != nil {
		t.Fatalf("ReadTCPMessage() error = %v", err)
	}

	if got.Id != original.Id {
		t.Errorf("Id = %v, want %v", got.Id, original.Id)
	}
	if len(got.Question) != 1 || got.Question[0].Name != "web.keel." {
		t.Errorf("Question = %+v, want one question for web.keel.", got.Question)
	}
	if len(got.Answer) != 1 {
		t.Fatalf("Answer count = %d, want 1", len(got.Answer))
	}
	a, ok := got.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("Answer[0] type = %T, want *dns.A", got.Answer[0])
	}
	if !a.A.Equal(net.IPv4(10, 1, 2, 3)) {
		t.Errorf("Answer A = %v, want 10.1.2.3", a.A)
	}
}

func TestTCPMessagePipelining(t *testing.T) {
	var buf bytes.Buffer

	first := sampleMessage()
	first.Id = 10
	second := sampleMessage()
	second.Id = 20

	if err := WriteTCPMessage(&buf, first); err != nil {
		t.Fatalf("WriteTCPMessage(first) error = %v", err)
	}
	if err := WriteTCPMessage(&buf, second); err != nil {
		t.Fatalf("WriteTCPMessage(second) error = %v", err)
	}

	got1, err := ReadTCPMessage(&buf)
	if err != nil {
		t.Fatalf("ReadTCPMessage(1) error = %v", err)
	}
	got2, err := ReadTCPMessage(&buf)
	if err != nil {
		t.Fatalf("ReadTCPMessage(2) error = %v", err)
	}

	if got1.Id != 10 || got2.Id != 20 {
		t.Errorf("ids = %d, %d, want 10, 20 in order", got1.Id, got2.Id)
	}
}

func TestReadTCPMessageFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x10, 0x01}) // 4097, one over MaxTCPMessageSize

	_, err := ReadTCPMessage(&buf)
	if err != ErrFrameTooLarge {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestNormalizeRcodeNodata(t *testing.T) {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeSuccess

	NormalizeRcode(msg)

	if msg.Rcode != dns.RcodeSuccess {
		t.Errorf("Rcode = %v, want RcodeSuccess (NODATA)", msg.Rcode)
	}
}

func TestNormalizeRcodeUpgradesToNXDOMAIN(t *testing.T) {
	msg := new(dns.Msg)
	msg.Rcode = dns.RcodeNotImplemented

	NormalizeRcode(msg)

	if msg.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %v, want RcodeNameError (NXDOMAIN)", msg.Rcode)
	}
}

func TestNormalizeRcodeLeavesAnswersAlone(t *testing.T) {
	msg := sampleMessage()
	msg.Rcode = dns.RcodeServerFailure

	NormalizeRcode(msg)

	if msg.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %v, want unchanged RcodeServerFailure since answers are non-empty", msg.Rcode)
	}
}
