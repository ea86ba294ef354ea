package flow

import "encoding/binary"

// buildClientHelloForFlowTests builds a minimal TLS 1.2 ClientHello
// record carrying a single server_name extension, for exercising Flow's
// pre-resolution path without a real TLS stack.
func buildClientHelloForFlowTests(sni string) []byte {
	var body []byte
	body = append(body, 3, 3)                // client version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session_id length
	body = append(body, 0, 2, 0x00, 0xff)    // cipher suites
	body = append(body, 1, 0)                // compression methods

	name := []byte(sni)
	var sn []byte
	sn = append(sn, 0, 0) // server name list length, patched below
	sn = append(sn, 0)    // name type: host_name
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(name)))
	sn = append(sn, nameLen...)
	sn = append(sn, name...)
	binary.BigEndian.PutUint16(sn[0:2], uint16(len(sn)-2))

	var ext []byte
	ext = append(ext, 0, 0) // extension type: server_name
	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(len(sn)))
	ext = append(ext, extLen...)
	ext = append(ext, sn...)

	extBlockLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extBlockLen, uint16(len(ext)))
	body = append(body, extBlockLen...)
	body = append(body, ext...)

	handshake := []byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	handshake = append(handshake, body...)

	record := []byte{22, 3, 3, 0, 0}
	binary.BigEndian.PutUint16(record[3:5], uint16(len(handshake)))
	record = append(record, handshake...)
	return record
}
