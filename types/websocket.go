package types

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// WebSocketMessage_Type mirrors the enum of the legacy transport envelope.
type WebSocketMessage_Type int32 //nolint:revive,stylecheck

const (
	WebSocketMessage_UNKNOWN  WebSocketMessage_Type = 0 //nolint:revive,stylecheck
	WebSocketMessage_REQUEST  WebSocketMessage_Type = 1 //nolint:revive,stylecheck
	WebSocketMessage_RESPONSE WebSocketMessage_Type = 2 //nolint:revive,stylecheck
)

var WebSocketMessage_Type_name = map[int32]string{ //nolint:revive,stylecheck
	0: "UNKNOWN",
	1: "REQUEST",
	2: "RESPONSE",
}

var WebSocketMessage_Type_value = map[string]int32{ //nolint:revive,stylecheck
	"UNKNOWN":  0,
	"REQUEST":  1,
	"RESPONSE": 2,
}

func (x WebSocketMessage_Type) String() string {
	return proto.EnumName(WebSocketMessage_Type_name, int32(x))
}

// WebSocketRequestMessage carries an envelope in its body.
type WebSocketRequestMessage struct {
	Verb      string   `protobuf:"bytes,1,opt,name=verb,proto3" json:"verb,omitempty"`
	Path      string   `protobuf:"bytes,2,opt,name=path,proto3" json:"path,omitempty"`
	Body      []byte   `protobuf:"bytes,3,opt,name=body,proto3" json:"body,omitempty"`
	RequestId uint64   `protobuf:"varint,4,opt,name=requestId,proto3" json:"requestId,omitempty"` //nolint:revive,stylecheck
	Headers   []string `protobuf:"bytes,5,rep,name=headers,proto3" json:"headers,omitempty"`
}

func (m *WebSocketRequestMessage) Reset()         { *m = WebSocketRequestMessage{} }
func (m *WebSocketRequestMessage) String() string { return proto.CompactTextString(m) }
func (*WebSocketRequestMessage) ProtoMessage()    {}

// WebSocketResponseMessage is never produced by storage nodes but is part of
// the envelope schema.
type WebSocketResponseMessage struct {
	Id      uint64   `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"` //nolint:revive,stylecheck
	Status  uint32   `protobuf:"varint,2,opt,name=status,proto3" json:"status,omitempty"`
	Message string   `protobuf:"bytes,3,opt,name=message,proto3" json:"message,omitempty"`
	Headers []string `protobuf:"bytes,5,rep,name=headers,proto3" json:"headers,omitempty"`
	Body    []byte   `protobuf:"bytes,4,opt,name=body,proto3" json:"body,omitempty"`
}

func (m *WebSocketResponseMessage) Reset()         { *m = WebSocketResponseMessage{} }
func (m *WebSocketResponseMessage) String() string { return proto.CompactTextString(m) }
func (*WebSocketResponseMessage) ProtoMessage()    {}

// WebSocketMessage wraps direct and legacy group messages stored on swarms.
type WebSocketMessage struct {
	Type     WebSocketMessage_Type     `protobuf:"varint,1,opt,name=type,proto3,enum=signalservice.WebSocketMessage_Type" json:"type,omitempty"`
	Request  *WebSocketRequestMessage  `protobuf:"bytes,2,opt,name=request,proto3" json:"request,omitempty"`
	Response *WebSocketResponseMessage `protobuf:"bytes,3,opt,name=response,proto3" json:"response,omitempty"`
}

func (m *WebSocketMessage) Reset()         { *m = WebSocketMessage{} }
func (m *WebSocketMessage) String() string { return proto.CompactTextString(m) }
func (*WebSocketMessage) ProtoMessage()    {}

func init() {
	proto.RegisterEnum("signalservice.WebSocketMessage_Type", WebSocketMessage_Type_name, WebSocketMessage_Type_value)
	proto.RegisterType((*WebSocketRequestMessage)(nil), "signalservice.WebSocketRequestMessage")
	proto.RegisterType((*WebSocketResponseMessage)(nil), "signalservice.WebSocketResponseMessage")
	proto.RegisterType((*WebSocketMessage)(nil), "signalservice.WebSocketMessage")
}

// ErrNoRequestBody is returned for transport envelopes that carry nothing.
var ErrNoRequestBody = errors.New("websocket message carries no request body")

// ExtractWebSocketContent decodes the base64 data of a retrieved message and
// returns the body of the wrapped request.
func ExtractWebSocketContent(data string) ([]byte, error) {
	bz, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	msg := new(WebSocketMessage)
	if err := proto.Unmarshal(bz, msg); err != nil {
		return nil, fmt.Errorf("decoding websocket message: %w", err)
	}
	if msg.Type != WebSocketMessage_REQUEST || msg.Request == nil || len(msg.Request.Body) == 0 {
		return nil, ErrNoRequestBody
	}
	return msg.Request.Body, nil
}

// WrapWebSocketContent is the inverse of ExtractWebSocketContent.
func WrapWebSocketContent(body []byte) (string, error) {
	msg := &WebSocketMessage{
		Type: WebSocketMessage_REQUEST,
		Request: &WebSocketRequestMessage{
			Verb: "PUT",
			Path: "/api/v1/message",
			Body: body,
		},
	}
	bz, err := proto.Marshal(msg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bz), nil
}
