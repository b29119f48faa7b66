package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// Control packet types.
const (
	packetConnect     = 1
	packetConnAck     = 2
	packetPublish     = 3
	packetPubAck      = 4
	packetPubRec      = 5
	packetPubRel      = 6
	packetPubComp     = 7
	packetSubscribe   = 8
	packetSubAck      = 9
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetPingResp    = 13
	packetDisconnect  = 14
)

// CONNACK return codes.
const (
	connAccepted       = 0x00
	connRefusedBadAuth = 0x04
)

const subAckFailure = 0x80

// maxPacketSize bounds the remaining length accepted from clients.
const maxPacketSize = 256 * 1024

func readPublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 2 {
		return PublishMessage{}, 0, fmt.Errorf("invalid qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	if !validTopicName(topic) {
		return PublishMessage{}, 0, fmt.Errorf("invalid topic name %q", topic)
	}

	var packetID uint16
	if qos > 0 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{
		Topic:  topic,
		QoS:    qos,
		Retain: header&0x01 != 0,
	}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

// buildPublishPacket encodes a QoS 0 publish; every delivery from the broker is QoS 0.
func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetPublish<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, codes []byte) ([]byte, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + len(codes)
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, packetSubAck<<4)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	packet = append(packet, codes...)
	return packet, nil
}

// buildAck encodes the fixed two-byte acknowledgements (PUBACK, PUBREC, PUBCOMP, UNSUBACK).
func buildAck(packetType byte, flags byte, packetID uint16) []byte {
	return []byte{packetType<<4 | flags, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

func buildConnAck(code byte) []byte {
	return []byte{packetConnAck << 4, 0x02, 0x00, code}
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
