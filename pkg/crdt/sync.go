package crdt

import (
	"encoding/binary"
	"fmt"
)

// MessageType tags one sync-protocol message within a frame.
type MessageType byte

const (
	// MessageSyncStep1 carries a sender's state vector, requesting the
	// peer reply with MessageSyncStep2.
	MessageSyncStep1 MessageType = 1
	// MessageSyncStep2 carries an update encoding the sender computed
	// against a peer's state vector (or the empty vector, for a full
	// state transfer).
	MessageSyncStep2 MessageType = 2
	// MessageUpdate carries an incremental update, published as edits
	// happen rather than in response to a sync request.
	MessageUpdate MessageType = 3
	// MessageAwareness carries an awareness-table update.
	MessageAwareness MessageType = 4
)

// Message is one sync-protocol message: a type tag and an opaque
// payload whose shape depends on the type (a state vector for
// SyncStep1, an update encoding for SyncStep2/Update, an awareness
// update encoding for Awareness).
type Message struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame concatenates messages into a single binary frame: the
// wire format the engine reads off and writes to a WebSocket
// connection, and that the Cluster Log stores as one stream entry's
// payload. Each message is [type byte][uint32 length big-endian]
// [payload bytes].
func EncodeFrame(msgs []Message) []byte {
	size := 0
	for _, m := range msgs {
		size += 1 + 4 + len(m.Payload)
	}
	buf := make([]byte, 0, size)
	for _, m := range msgs {
		buf = append(buf, byte(m.Type))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, m.Payload...)
	}
	return buf
}

// DecodeFrame splits a binary frame back into its constituent
// messages. Unknown message types are preserved (the caller drops them
// with a debug log, per the frame-analysis behavior), not rejected —
// forward compatibility with message kinds this core doesn't
// interpret.
func DecodeFrame(frame []byte) ([]Message, error) {
	var msgs []Message
	for len(frame) > 0 {
		if len(frame) < 5 {
			return nil, fmt.Errorf("truncated frame header: %d bytes remaining", len(frame))
		}
		typ := MessageType(frame[0])
		n := binary.BigEndian.Uint32(frame[1:5])
		frame = frame[5:]
		if uint32(len(frame)) < n {
			return nil, fmt.Errorf("truncated frame payload: need %d, have %d", n, len(frame))
		}
		payload := frame[:n]
		frame = frame[n:]
		msgs = append(msgs, Message{Type: typ, Payload: payload})
	}
	return msgs, nil
}

// FrameAnalysis summarizes which kinds of messages a decoded frame
// contains, used by the realtime engine to classify inbound frames
// before deciding how to route them.
type FrameAnalysis struct {
	HasUpdate    bool
	HasAwareness bool
	HasSyncStep1 bool
}

// AnalyzeFrame decodes frame and reports which message kinds it
// carries, without applying anything. SyncStep2 and Update both count
// as HasUpdate — the engine treats them identically for routing
// purposes (spec behavior: "any SyncStep2 or Update").
func AnalyzeFrame(frame []byte) (FrameAnalysis, []Message, error) {
	msgs, err := DecodeFrame(frame)
	if err != nil {
		return FrameAnalysis{}, nil, err
	}
	var a FrameAnalysis
	for _, m := range msgs {
		switch m.Type {
		case MessageSyncStep1:
			a.HasSyncStep1 = true
		case MessageSyncStep2, MessageUpdate:
			a.HasUpdate = true
		case MessageAwareness:
			a.HasAwareness = true
		}
	}
	return a, msgs, nil
}
