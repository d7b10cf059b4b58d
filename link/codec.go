package link

/*
This file packs and unpacks the fixed header segment: cmd, bytestream,
size, and the data1 union, always the same number of bytes regardless of
command so the receiver can read it in one fixed-size recvmsg before
deciding whether a payload segment follows.
*/

import "encoding/binary"

const (
	hdrCmdOff        = 0
	hdrBytestreamOff = 4
	hdrSizeOff       = 8
	hdrData1Off      = 12
	headerSize       = hdrData1Off + data1Size
)

func encodeHeader(m *Message) []byte {
	buf := make([]byte, headerSize)
	binary.NativeEndian.PutUint32(buf[hdrCmdOff:], uint32(m.Cmd))
	if m.Bytestream {
		buf[hdrBytestreamOff] = 1
	}
	binary.NativeEndian.PutUint32(buf[hdrSizeOff:], uint32(m.Size))
	copy(buf[hdrData1Off:], m.data1[:])
	return buf
}

func decodeHeader(buf []byte, m *Message) error {
	if len(buf) != headerSize {
		return &Error{Kind: ErrMalformed, msg: "short header read"}
	}
	m.Cmd = Command(binary.NativeEndian.Uint32(buf[hdrCmdOff:]))
	m.Bytestream = buf[hdrBytestreamOff] != 0
	m.Size = int(binary.NativeEndian.Uint32(buf[hdrSizeOff:]))
	copy(m.data1[:], buf[hdrData1Off:])
	return nil
}
