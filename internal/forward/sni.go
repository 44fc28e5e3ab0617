package forward

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// peekBudget caps how much of a connection is read while looking for the
// SNI. A ClientHello fits comfortably; anything needing more is not one.
const peekBudget = 8 * 1024

var (
	errNotTLS = errors.New("not a TLS handshake")
	errNoSNI  = errors.New("no server_name extension")
)

// peekSNI reads just enough of conn to extract the SNI host from a TLS
// ClientHello. The consumed bytes are returned so the caller can replay
// them to the backend; nothing is decrypted and nothing beyond the first
// handshake record is read.
func peekSNI(conn net.Conn) (host string, consumed []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errNotTLS, err)
	}
	// Handshake record, TLS version 3.x.
	if header[0] != 0x16 || header[1] != 0x03 {
		return "", header, errNotTLS
	}
	recLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recLen == 0 || 5+recLen > peekBudget {
		return "", header, errNotTLS
	}

	record := make([]byte, recLen)
	if _, err := io.ReadFull(conn, record); err != nil {
		return "", header, fmt.Errorf("%w: %v", errNotTLS, err)
	}
	consumed = append(header, record...)

	host, err = clientHelloSNI(record)
	return host, consumed, err
}

// clientHelloSNI walks a ClientHello handshake message and returns the
// host_name entry of its server_name extension.
func clientHelloSNI(b []byte) (string, error) {
	// Handshake header: type (must be client_hello) and 24-bit length.
	if len(b) < 4 || b[0] != 0x01 {
		return "", errNotTLS
	}
	msgLen := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if msgLen > len(b)-4 {
		return "", errNotTLS
	}
	p := b[4 : 4+msgLen]

	// client_version + random.
	if len(p) < 34 {
		return "", errNotTLS
	}
	p = p[34:]

	// session_id, cipher_suites, compression_methods.
	if len(p) < 1 || len(p) < 1+int(p[0]) {
		return "", errNotTLS
	}
	p = p[1+int(p[0]):]
	if len(p) < 2 {
		return "", errNotTLS
	}
	n := int(binary.BigEndian.Uint16(p))
	if len(p) < 2+n {
		return "", errNotTLS
	}
	p = p[2+n:]
	if len(p) < 1 || len(p) < 1+int(p[0]) {
		return "", errNotTLS
	}
	p = p[1+int(p[0]):]

	// Extensions.
	if len(p) < 2 {
		return "", errNoSNI
	}
	extLen := int(binary.BigEndian.Uint16(p))
	p = p[2:]
	if extLen > len(p) {
		return "", errNotTLS
	}
	p = p[:extLen]

	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p)
		size := int(binary.BigEndian.Uint16(p[2:]))
		if len(p) < 4+size {
			return "", errNotTLS
		}
		data := p[4 : 4+size]
		p = p[4+size:]

		if extType != 0 { // server_name
			continue
		}
		// ServerNameList: list length, then entries of (type, length, name).
		if len(data) < 2 {
			return "", errNoSNI
		}
		data = data[2:]
		for len(data) >= 3 {
			nameType := data[0]
			nameLen := int(binary.BigEndian.Uint16(data[1:3]))
			if len(data) < 3+nameLen {
				return "", errNotTLS
			}
			if nameType == 0 { // host_name
				return strings.ToLower(string(data[3 : 3+nameLen])), nil
			}
			data = data[3+nameLen:]
		}
		return "", errNoSNI
	}
	return "", errNoSNI
}
