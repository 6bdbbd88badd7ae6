// Package wire implements the bencoded datagram envelope exchanged by the
// DHT's four RPCs (ping, store, findNode, findValue): encoding, decoding,
// and the legacy protocol_version 0 store-argument migration.
package wire

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"

	"github.com/lbryio/lbry-sdk-sub003/dhtconf"
	"github.com/lbryio/lbry-sdk-sub003/dhterr"
)

// Frame type tags, carried under dict key "0".
const (
	TypeRequest  = 0
	TypeResponse = 1
	TypeError    = 2
)

// RPC method names, carried under dict key "3" of a request frame.
const (
	MethodPing      = "ping"
	MethodStore     = "store"
	MethodFindNode  = "findNode"
	MethodFindValue = "findValue"
)

// PageKey is the dict key under which a findValue response's page count
// travels. The responder computes it as holders/(K+1)+1 (0 when there are
// no holders); for some holder counts, such as 17, that is one less than
// the number of K-sized pages the holders fill. The request's own page
// number travels as a plain positional argument (args[1]) alongside the
// target hash.
const PageKey = "p"

// Request is a decoded or about-to-be-encoded outbound/inbound query.
type Request struct {
	RPCID  []byte
	NodeID []byte
	Method string
	Args   []interface{}
}

// Response is a decoded or about-to-be-encoded successful reply.
type Response struct {
	RPCID  []byte
	NodeID []byte
	Result interface{}
}

// ErrorFrame is a decoded or about-to-be-encoded error reply.
type ErrorFrame struct {
	RPCID         []byte
	NodeID        []byte
	ExceptionType string
	Message       string
}

// EncodeRequest bencodes a request frame and enforces dhtconf.MsgSizeLimit.
func EncodeRequest(r Request) ([]byte, error) {
	frame := map[string]interface{}{
		"0": TypeRequest,
		"1": string(r.RPCID),
		"2": string(r.NodeID),
		"3": r.Method,
		"4": r.Args,
	}
	return encode(frame)
}

// EncodeResponse bencodes a response frame and enforces dhtconf.MsgSizeLimit.
func EncodeResponse(r Response) ([]byte, error) {
	frame := map[string]interface{}{
		"0": TypeResponse,
		"1": string(r.RPCID),
		"2": string(r.NodeID),
		"3": r.Result,
	}
	return encode(frame)
}

// EncodeError bencodes an error frame and enforces dhtconf.MsgSizeLimit.
func EncodeError(e ErrorFrame) ([]byte, error) {
	frame := map[string]interface{}{
		"0": TypeError,
		"1": string(e.RPCID),
		"2": string(e.NodeID),
		"3": e.ExceptionType,
		"4": e.Message,
	}
	return encode(frame)
}

func encode(frame map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, frame); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if buf.Len() > dhtconf.MsgSizeLimit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", dhterr.ErrOversizedDatagram, buf.Len(), dhtconf.MsgSizeLimit)
	}
	return buf.Bytes(), nil
}

// Decode parses an inbound datagram into one of *Request, *Response, or
// *ErrorFrame. It fails with dhterr.ErrMalformedDatagram on any syntax
// error, unknown type tag, or missing required field, and with
// dhterr.ErrOversizedDatagram if data exceeds dhtconf.MsgSizeLimit.
func Decode(data []byte) (interface{}, error) {
	if len(data) > dhtconf.MsgSizeLimit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", dhterr.ErrOversizedDatagram, len(data), dhtconf.MsgSizeLimit)
	}

	var raw interface{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", dhterr.ErrMalformedDatagram, err)
	}

	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: top-level frame is not a dict", dhterr.ErrMalformedDatagram)
	}

	typeTag, err := asInt(dict["0"])
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid type tag: %v", dhterr.ErrMalformedDatagram, err)
	}

	rpcID, err := asBytes(dict["1"])
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid rpc_id: %v", dhterr.ErrMalformedDatagram, err)
	}
	nodeID, err := asBytes(dict["2"])
	if err != nil {
		return nil, fmt.Errorf("%w: missing or invalid node_id: %v", dhterr.ErrMalformedDatagram, err)
	}

	switch typeTag {
	case TypeRequest:
		method, ok := dict["3"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: missing or invalid method", dhterr.ErrMalformedDatagram)
		}
		args, _ := dict["4"].([]interface{})
		return &Request{RPCID: rpcID, NodeID: nodeID, Method: method, Args: args}, nil
	case TypeResponse:
		return &Response{RPCID: rpcID, NodeID: nodeID, Result: dict["3"]}, nil
	case TypeError:
		exceptionType, _ := dict["3"].(string)
		message, _ := dict["4"].(string)
		return &ErrorFrame{RPCID: rpcID, NodeID: nodeID, ExceptionType: exceptionType, Message: message}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", dhterr.ErrMalformedDatagram, typeTag)
	}
}

func asBytes(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected byte string, got %T", v)
	}
	return []byte(s), nil
}

func asInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// MigrateLegacyStoreArgs translates a protocol_version 0 store call's
// single trailing options dict into the canonical positional tuple
// (blob_hash, token, tcp_port, original_publisher_id, age), so old and
// new clients dispatch through the same handler. protocol_version 0 peers
// send args as [blob_hash, {"token": ..., "port": ..., "lbryid": ...}];
// the shape alone (2 args, second one a dict) is enough to recognize it,
// since the canonical form never nests a dict in that position.
func MigrateLegacyStoreArgs(args []interface{}) []interface{} {
	if len(args) != 2 {
		return args
	}
	opts, ok := args[1].(map[string]interface{})
	if !ok {
		return args
	}
	return []interface{}{
		args[0],
		opts["token"],
		opts["port"],
		opts["lbryid"],
		int64(0), // age: unused, carried for wire compatibility only
	}
}
