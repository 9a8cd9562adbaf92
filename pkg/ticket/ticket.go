// Package ticket parses signed rights tickets and recovers title keys,
// including RSA-OAEP unwrapping of personalized keys.
package ticket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/falk/nxcontent/pkg/crypto"
	"github.com/falk/nxcontent/pkg/keys"
)

var (
	// ErrMalformed indicates a structural invariant does not hold.
	ErrMalformed = errors.New("ticket: malformed ticket")
	// ErrUnwrapFailed indicates the RSA-OAEP unwrap did not produce a key.
	ErrUnwrapFailed = errors.New("ticket: title key unwrap failed")
)

// SignatureType tags the signature layout at the head of a ticket.
type SignatureType uint32

const (
	SigRSA4096SHA1   SignatureType = 0x010000
	SigRSA2048SHA1   SignatureType = 0x010001
	SigECDSASHA1     SignatureType = 0x010002
	SigRSA4096SHA256 SignatureType = 0x010003
	SigRSA2048SHA256 SignatureType = 0x010004
	SigECDSASHA256   SignatureType = 0x010005
)

// DataSize returns the raw signature length for the type, or 0 when the
// type is unknown.
func (t SignatureType) DataSize() int {
	switch t {
	case SigRSA4096SHA1, SigRSA4096SHA256:
		return 0x200
	case SigRSA2048SHA1, SigRSA2048SHA256:
		return 0x100
	case SigECDSASHA1, SigECDSASHA256:
		return 0x3C
	}
	return 0
}

// PaddingSize returns the alignment gap between the signature and the
// ticket data block.
func (t SignatureType) PaddingSize() int {
	switch t {
	case SigECDSASHA1, SigECDSASHA256:
		return 0x40
	default:
		return 0x3C
	}
}

// TitleKeyType distinguishes common from personalized tickets.
type TitleKeyType uint8

const (
	TitleKeyCommon TitleKeyType = iota
	TitleKeyPersonalized
)

// TicketDataSize is the fixed size of the signature-independent tail.
const TicketDataSize = 0x2C0

// FullTicketSize is the stride used when scanning concatenated ticket
// blobs. Both RSA ticket shapes fit within it; the scan deliberately does
// not shrink it for ECDSA tickets, matching the on-console save layout.
const FullTicketSize = 0x400

// TicketData is the 0x2C0-byte payload common to every signature shape.
type TicketData struct {
	Issuer           [0x40]byte
	TitleKeyBlock    [0x100]byte
	FormatVersion    uint8
	Type             TitleKeyType
	Version          uint16
	LicenseType      uint8
	KeyRevision      uint8
	PropertyMask     uint16
	Reserved         [8]byte
	TicketID         uint64
	DeviceID         uint64
	RightsID         [0x10]byte
	AccountID        uint32
	SectTotalSize    uint32
	SectHeaderOffset uint32
	SectNum          uint16
	SectEntrySize    uint16
	Padding          [0x140]byte
}

// TitleKeyCommon returns the leading 16 bytes of the title key block, which
// hold the key directly for common tickets.
func (d *TicketData) TitleKeyCommonKey() keys.Key128 {
	var key keys.Key128
	copy(key[:], d.TitleKeyBlock[:16])
	return key
}

// Ticket is a tagged union over the three signature shapes: the active
// SignatureType selects the length of Signature, and every shape shares the
// trailing TicketData.
type Ticket struct {
	SignatureType SignatureType
	Signature     []byte
	Data          TicketData
}

// Size returns the full serialized ticket length.
func (t *Ticket) Size() int {
	return 4 + t.SignatureType.DataSize() + t.SignatureType.PaddingSize() + TicketDataSize
}

// Parse reads one ticket from the head of data.
func Parse(data []byte) (Ticket, error) {
	if len(data) < 4 {
		return Ticket{}, fmt.Errorf("%w: truncated signature type", ErrMalformed)
	}

	sigType := SignatureType(binary.LittleEndian.Uint32(data))
	sigSize := sigType.DataSize()
	if sigSize == 0 {
		return Ticket{}, fmt.Errorf("%w: unknown signature type %#x", ErrMalformed, uint32(sigType))
	}

	t := Ticket{SignatureType: sigType}
	if len(data) < t.Size() {
		return Ticket{}, fmt.Errorf("%w: ticket truncated at %d bytes", ErrMalformed, len(data))
	}

	t.Signature = make([]byte, sigSize)
	copy(t.Signature, data[4:4+sigSize])

	dataOffset := 4 + sigSize + sigType.PaddingSize()
	reader := bytes.NewReader(data[dataOffset : dataOffset+TicketDataSize])
	if err := binary.Read(reader, binary.LittleEndian, &t.Data); err != nil {
		return Ticket{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return t, nil
}

// Bytes serializes the ticket back into its on-disk form.
func (t *Ticket) Bytes() []byte {
	out := bytes.NewBuffer(make([]byte, 0, t.Size()))
	binary.Write(out, binary.LittleEndian, uint32(t.SignatureType))

	sig := make([]byte, t.SignatureType.DataSize())
	copy(sig, t.Signature)
	out.Write(sig)
	out.Write(make([]byte, t.SignatureType.PaddingSize()))

	binary.Write(out, binary.LittleEndian, &t.Data)
	return out.Bytes()
}

// ticketMagic is the little-endian encoding of SigRSA2048SHA256, the tag
// every console-generated ticket save entry starts with.
var ticketMagic = []byte{0x04, 0x00, 0x01, 0x00}

// ScanBlob walks a buffer of concatenated tickets, parsing one at every
// magic tag and advancing by the fixed FullTicketSize stride.
func ScanBlob(data []byte) []Ticket {
	var out []Ticket
	for off := 0; off+4 <= len(data); {
		if !bytes.Equal(data[off:off+4], ticketMagic) {
			off++
			continue
		}
		t, err := Parse(data[off:])
		if err != nil {
			off++
			continue
		}
		out = append(out, t)
		off += FullTicketSize
	}
	return out
}

// TitleKey is a recovered (rights id, key) pair.
type TitleKey struct {
	RightsID [16]byte
	Key      keys.Key128
}

// ExtractTitleKey recovers the title key from a ticket. Common tickets
// carry the key directly; personalized tickets are unwrapped with the
// console's ETicket RSA key via an OAEP-style MGF1 exchange.
func (t *Ticket) ExtractTitleKey(pair *keys.RSAKeyPair) (*TitleKey, error) {
	if t.Data.Issuer == ([0x40]byte{}) {
		return nil, fmt.Errorf("%w: zero issuer", ErrMalformed)
	}
	if t.Data.RightsID == ([0x10]byte{}) {
		return nil, fmt.Errorf("%w: zero rights id", ErrMalformed)
	}

	if isZero(t.Data.TitleKeyBlock[16:]) {
		return &TitleKey{RightsID: t.Data.RightsID, Key: t.Data.TitleKeyCommonKey()}, nil
	}

	if pair == nil {
		return nil, fmt.Errorf("%w: personalized ticket without RSA key", ErrUnwrapFailed)
	}

	m := crypto.ModExp(t.Data.TitleKeyBlock[:], pair.D[:], pair.N[:])
	if m[0] != 0 {
		return nil, fmt.Errorf("%w: bad leading byte %#x", ErrUnwrapFailed, m[0])
	}

	m1 := m[1:0x21]
	m2 := m[0x21:0x100]

	mask, err := crypto.MGF1(m2, len(m1))
	if err != nil {
		return nil, err
	}
	xorBytes(m1, mask)

	mask, err = crypto.MGF1(m1, len(m2))
	if err != nil {
		return nil, err
	}
	xorBytes(m2, mask)

	for i := 0x20; i < len(m2); i++ {
		switch m2[i] {
		case 0:
			continue
		case 1:
			if i+1+16 > len(m2) {
				return nil, fmt.Errorf("%w: key runs past block", ErrUnwrapFailed)
			}
			out := &TitleKey{RightsID: t.Data.RightsID}
			copy(out.Key[:], m2[i+1:i+1+16])
			return out, nil
		default:
			return nil, fmt.Errorf("%w: bad separator %#x", ErrUnwrapFailed, m2[i])
		}
	}
	return nil, fmt.Errorf("%w: separator not found", ErrUnwrapFailed)
}

// commonIssuer is the issuer chain stamped into fabricated tickets.
const commonIssuer = "Root-CA00000003-XS00000020"

// SynthesizeCommon fabricates a common RSA-2048 ticket for a locally known
// title key, letting imported keys flow through the same parse path as
// console tickets.
func SynthesizeCommon(titleKey keys.Key128, rightsID [16]byte) Ticket {
	t := Ticket{
		SignatureType: SigRSA2048SHA256,
		Signature:     make([]byte, 0x100),
	}
	copy(t.Data.Issuer[:], commonIssuer)
	copy(t.Data.TitleKeyBlock[:16], titleKey[:])
	t.Data.Type = TitleKeyCommon
	t.Data.RightsID = rightsID
	return t
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func xorBytes(dst, mask []byte) {
	for i := range dst {
		dst[i] ^= mask[i]
	}
}
