package proto

import "fmt"

// Type is the frame type code. Each message type is bound to exactly one code.
type Type uint16

const (
	TypeAuthRequest         Type = 1
	TypeAuthResponse        Type = 2
	TypeAllocTunnelRequest  Type = 3
	TypeAllocTunnelResponse Type = 4
	TypeDataHello           Type = 5
	// TypeError marks a Response frame that carries a ProtocolError instead of the expected reply.
	TypeError Type = 0xFFFF
)

func (t Type) String() string {
	switch t {
	case TypeAuthRequest:
		return "AuthRequest"
	case TypeAuthResponse:
		return "AuthResponse"
	case TypeAllocTunnelRequest:
		return "AllocTunnelRequest"
	case TypeAllocTunnelResponse:
		return "AllocTunnelResponse"
	case TypeDataHello:
		return "DataHello"
	case TypeError:
		return "Error"
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// Message is one of the closed set of payloads carried on a control connection.
type Message interface {
	Type() Type
	Encode(w *Writer)
	Decode(r *Reader) error
}

// Marshal encodes the payload of m.
func Marshal(m Message) ([]byte, error) {
	var w Writer
	m.Encode(&w)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return w.Bytes(), nil
}

// New returns a zero message for t.
func New(t Type) (Message, error) {
	switch t {
	case TypeAuthRequest:
		return &AuthRequest{}, nil
	case TypeAuthResponse:
		return &AuthResponse{}, nil
	case TypeAllocTunnelRequest:
		return &AllocTunnelRequest{}, nil
	case TypeAllocTunnelResponse:
		return &AllocTunnelResponse{}, nil
	case TypeDataHello:
		return &DataHello{}, nil
	case TypeError:
		return &ProtocolError{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
}

// Unmarshal decodes a payload of type t. Trailing bytes are rejected.
func Unmarshal(t Type, payload []byte) (Message, error) {
	m, err := New(t)
	if err != nil {
		return nil, err
	}
	r := NewReader(payload)
	if err := m.Decode(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s", ErrMalformedPayload, r.Len(), t)
	}
	return m, nil
}

// AuthRequest is the first request a client sends on its control connection.
type AuthRequest struct {
	DeviceToken string
}

func (*AuthRequest) Type() Type         { return TypeAuthRequest }
func (m *AuthRequest) Encode(w *Writer) { w.String(m.DeviceToken) }
func (m *AuthRequest) Decode(r *Reader) error {
	m.DeviceToken = r.String()
	return r.Err()
}

// AuthResponse acknowledges a successful AuthRequest.
type AuthResponse struct {
	ClientID uint64
	DeviceID uint64
}

func (*AuthResponse) Type() Type { return TypeAuthResponse }
func (m *AuthResponse) Encode(w *Writer) {
	w.Uint64(m.ClientID)
	w.Uint64(m.DeviceID)
}
func (m *AuthResponse) Decode(r *Reader) error {
	m.ClientID = r.Uint64()
	m.DeviceID = r.Uint64()
	return r.Err()
}

// AllocTunnelRequest asks the client to dial Destination and open a data
// connection identified by ConnID.
type AllocTunnelRequest struct {
	TunnelID    uint64
	ConnID      uint64
	Destination Address
}

func (*AllocTunnelRequest) Type() Type { return TypeAllocTunnelRequest }
func (m *AllocTunnelRequest) Encode(w *Writer) {
	w.Uint64(m.TunnelID)
	w.Uint64(m.ConnID)
	m.Destination.Encode(w)
}
func (m *AllocTunnelRequest) Decode(r *Reader) error {
	m.TunnelID = r.Uint64()
	m.ConnID = r.Uint64()
	if r.Err() != nil {
		return r.Err()
	}
	return m.Destination.Decode(r)
}

// Result is the outcome of a tunnel allocation on the client.
type Result uint8

const (
	ResultOK              Result = 0
	ResultConnectRefused  Result = 1
	ResultHostUnreachable Result = 2
	ResultTimeout         Result = 3
	ResultGeneralFailure  Result = 4
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultConnectRefused:
		return "connection refused"
	case ResultHostUnreachable:
		return "host unreachable"
	case ResultTimeout:
		return "timeout"
	case ResultGeneralFailure:
		return "general failure"
	}
	return fmt.Sprintf("result(%d)", uint8(r))
}

// AllocTunnelResponse answers an AllocTunnelRequest.
type AllocTunnelResponse struct {
	TunnelID uint64
	Result   Result
}

func (*AllocTunnelResponse) Type() Type { return TypeAllocTunnelResponse }
func (m *AllocTunnelResponse) Encode(w *Writer) {
	w.Uint64(m.TunnelID)
	w.Uint8(uint8(m.Result))
}
func (m *AllocTunnelResponse) Decode(r *Reader) error {
	m.TunnelID = r.Uint64()
	m.Result = Result(r.Uint8())
	if r.Err() == nil && m.Result > ResultGeneralFailure {
		r.Fail(fmt.Errorf("%w: result %d", ErrMalformedPayload, m.Result))
	}
	return r.Err()
}

// DataHello is the single frame a client writes on a fresh data connection
// before it switches to raw bytes.
type DataHello struct {
	TunnelID uint64
	ConnID   uint64
}

func (*DataHello) Type() Type { return TypeDataHello }
func (m *DataHello) Encode(w *Writer) {
	w.Uint64(m.TunnelID)
	w.Uint64(m.ConnID)
}
func (m *DataHello) Decode(r *Reader) error {
	m.TunnelID = r.Uint64()
	m.ConnID = r.Uint64()
	return r.Err()
}
