package broadcast

import (
	"bytes"
	"encoding/binary"

	"github.com/dsbnet/dsb/membership"
)

// Every signature in the protocol is made over one of the deterministic
// encodings below. A single leading message-type byte keeps the sign bytes of
// an op from ever colliding with those of a vote, and the encodings are fixed
// so that the same artifact always produces the same bytes on every process.
const (
	opMsgType uint8 = iota + 1
	voteMsgType
)

// encodeOpMsg encodes the information an op's signature (and its content
// hash) covers.
//
// The format is:
// 1 byte message type (also used for versioning)
// 32 bytes source actor
// 8 bytes generation
// 1 byte payload kind
// payload body: 32 bytes member for reconfigurations,
//               4 byte length prefixed data otherwise
func encodeOpMsg(source membership.Actor, gen membership.Generation, payload Payload) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(opMsgType)
	buf.Write(source[:])
	genBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(genBytes, uint64(gen))
	buf.Write(genBytes)
	buf.WriteByte(byte(payload.Kind))
	if payload.IsReconfig() {
		buf.Write(payload.Member[:])
	} else {
		lenBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBytes, uint32(len(payload.Data)))
		buf.Write(lenBytes)
		buf.Write(payload.Data)
	}
	return buf.Bytes()
}

// encodeVoteMsg encodes the information a vote's signature covers.
//
// The format is:
// 1 byte message type
// 32 bytes voter actor
// 32 bytes op id
// 8 bytes generation
func encodeVoteMsg(voter membership.Actor, opID OpID, gen membership.Generation) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(voteMsgType)
	buf.Write(voter[:])
	buf.Write(opID[:])
	genBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(genBytes, uint64(gen))
	buf.Write(genBytes)
	return buf.Bytes()
}
