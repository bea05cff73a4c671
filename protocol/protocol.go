package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single encoded record. Anything larger is a protocol
// error and terminates the connection.
const MaxFrameSize = 256 * 1024

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// Action is the closed set of request/response types. Unknown tags are
// rejected at decode time, so the dispatcher never sees one.
type Action string

const (
	ActionCheckUsername   Action = "check_username"
	ActionLogin           Action = "login"
	ActionRegister        Action = "register"
	ActionLoadChat        Action = "load_chat"
	ActionSendMessage     Action = "send_message"
	ActionPing            Action = "ping"
	ActionViewUndelivered Action = "view_undelivered"
	ActionDeleteMessage   Action = "delete_message"
	ActionDeleteAccount   Action = "delete_account"
	ActionPeerJoined      Action = "peer_joined"
	ActionPeerLeft        Action = "peer_left"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCheckUsername, ActionLogin, ActionRegister, ActionLoadChat,
		ActionSendMessage, ActionPing, ActionViewUndelivered,
		ActionDeleteMessage, ActionDeleteAccount, ActionPeerJoined,
		ActionPeerLeft:
		return true
	}
	return false
}

// Request carries one client action. Only the fields relevant to the action
// are populated; the rest stay zero.
type Request struct {
	Action    Action `json:"action"`
	Username  string `json:"username,omitempty"`
	Passhash  string `json:"passhash,omitempty"`
	Peer      string `json:"peer,omitempty"`
	Body      string `json:"message,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	N         int    `json:"n,omitempty"`
}

// Message is the wire form of a stored message.
type Message struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Body      string `json:"message"`
	MessageID int64  `json:"message_id"`
}

// Response is tagged with the action it answers or announces. Pings carry
// Sender/Body/MessageID; presence broadcasts carry Identity.
type Response struct {
	Action           Action    `json:"action"`
	OK               bool      `json:"ok,omitempty"`
	Exists           bool      `json:"exists,omitempty"`
	Roster           []string  `json:"roster,omitempty"`
	UndeliveredCount int       `json:"undelivered_count,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	MessageID        int64     `json:"message_id,omitempty"`
	Sender           string    `json:"sender,omitempty"`
	Body             string    `json:"body,omitempty"`
	Identity         string    `json:"identity,omitempty"`
}

// WriteFrame encodes v as JSON behind a 4-byte big-endian length prefix and
// writes it in a single Write call.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-delimited record. io.ReadFull retries partial
// reads until a complete frame is available.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadRequest reads and decodes one request frame. A frame that is not valid
// JSON or carries an unknown action yields an error distinct from transport
// failures, so callers can drop the request and keep the connection.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	return &req, nil
}

// ReadResponse reads and decodes one response frame. Used by clients and
// tests; the server only writes responses.
func ReadResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
