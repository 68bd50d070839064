package protocol

const (
	MESSAGE_MIN          = 5
	MESSAGE_MAX          = 64
	MESSAGE_HEADER_SIZE  = 2
	MESSAGE_TRAILER_SIZE = 3
	MESSAGE_POS_LEN      = 0
	MESSAGE_POS_SEQ      = 1
	MESSAGE_PAYLOAD_MAX  = MESSAGE_MAX - MESSAGE_MIN
	MESSAGE_DEST         = 0x10
	MESSAGE_SYNC         = 0x7e
	MESSAGE_SEQ_MASK     = 0x0f
)

// EncodeMsgblock wraps a payload into a message block:
// len, seq|dest, payload, crc16 hi/lo, sync.
func EncodeMsgblock(seq int, payload []byte) []byte {
	return AppendMsgblock(make([]byte, 0, MESSAGE_MIN+len(payload)), seq, payload)
}

// AppendMsgblock appends the message block for payload to dst.
func AppendMsgblock(dst []byte, seq int, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(MESSAGE_MIN+len(payload)), byte(seq&MESSAGE_SEQ_MASK|MESSAGE_DEST))
	dst = append(dst, payload...)
	crcHi, crcLo := CRC16CCITT(dst[start:])
	return append(dst, crcHi, crcLo, MESSAGE_SYNC)
}

// CheckMsgblock inspects the start of buf.
// Returns the block length if a valid block is present, 0 if more data
// is needed, and -1 if the leading bytes cannot start a valid block.
func CheckMsgblock(buf []byte) int {
	if len(buf) < MESSAGE_MIN {
		return 0
	}
	msgLen := int(buf[MESSAGE_POS_LEN])
	if msgLen < MESSAGE_MIN || msgLen > MESSAGE_MAX {
		return -1
	}
	if buf[MESSAGE_POS_SEQ]&^byte(MESSAGE_SEQ_MASK) != MESSAGE_DEST {
		return -1
	}
	if len(buf) < msgLen {
		return 0
	}
	if buf[msgLen-1] != MESSAGE_SYNC {
		return -1
	}
	crcHi, crcLo := CRC16CCITT(buf[:msgLen-MESSAGE_TRAILER_SIZE])
	if buf[msgLen-3] != crcHi || buf[msgLen-2] != crcLo {
		return -1
	}
	return msgLen
}

// Resync drops bytes up to and including the next sync byte.
func Resync(buf []byte) []byte {
	for i, b := range buf {
		if b == MESSAGE_SYNC {
			return buf[i+1:]
		}
	}
	return nil
}

// MsgblockPayload returns the payload of a validated block.
func MsgblockPayload(block []byte) []byte {
	return block[MESSAGE_HEADER_SIZE : len(block)-MESSAGE_TRAILER_SIZE]
}

// MsgblockSeq returns the sequence number of a validated block.
func MsgblockSeq(block []byte) int {
	return int(block[MESSAGE_POS_SEQ] & MESSAGE_SEQ_MASK)
}
