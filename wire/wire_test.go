package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbryio/lbry-sdk-sub003/dhterr"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		RPCID:  []byte("01234567890123456789"),
		NodeID: []byte(strings.Repeat("a", 48)),
		Method: MethodFindNode,
		Args:   []interface{}{"target-key"},
	}
	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(*Request)
	require.True(t, ok)
	assert.Equal(t, req.RPCID, got.RPCID)
	assert.Equal(t, req.NodeID, got.NodeID)
	assert.Equal(t, req.Method, got.Method)
	require.Len(t, got.Args, 1)
	assert.Equal(t, "target-key", got.Args[0])
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		RPCID:  []byte("rpc-id-1234567890.."),
		NodeID: []byte(strings.Repeat("b", 48)),
		Result: "pong",
	}
	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(*Response)
	require.True(t, ok)
	assert.Equal(t, "pong", got.Result)
}

func TestErrorRoundTrip(t *testing.T) {
	e := ErrorFrame{
		RPCID:         []byte("rpc-id-1234567890.."),
		NodeID:        []byte(strings.Repeat("c", 48)),
		ExceptionType: "InvalidToken",
		Message:       "token expired",
	}
	data, err := EncodeError(e)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	got, ok := decoded.(*ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, "InvalidToken", got.ExceptionType)
	assert.Equal(t, "token expired", got.Message)
}

func TestDecodeRejectsMalformedDatagram(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	assert.ErrorIs(t, err, dhterr.ErrMalformedDatagram)
}

func TestDecodeRejectsUnknownTypeTag(t *testing.T) {
	frame := map[string]interface{}{
		"0": 99,
		"1": "x",
		"2": "y",
	}
	data, err := encode(frame)
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, dhterr.ErrMalformedDatagram)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	req := Request{
		RPCID:  []byte("01234567890123456789"),
		NodeID: []byte(strings.Repeat("a", 48)),
		Method: MethodStore,
		Args:   []interface{}{strings.Repeat("x", 2000)},
	}
	_, err := EncodeRequest(req)
	assert.ErrorIs(t, err, dhterr.ErrOversizedDatagram)
}

func TestMigrateLegacyStoreArgs(t *testing.T) {
	legacy := []interface{}{
		"blobhashbytes",
		map[string]interface{}{
			"token":  "tok",
			"port":   int64(3333),
			"lbryid": "nodeidbytes",
		},
	}
	migrated := MigrateLegacyStoreArgs(legacy)
	require.Len(t, migrated, 5)
	assert.Equal(t, "blobhashbytes", migrated[0])
	assert.Equal(t, "tok", migrated[1])
	assert.Equal(t, int64(3333), migrated[2])
	assert.Equal(t, "nodeidbytes", migrated[3])

	canonical := []interface{}{"blob", "tok", int64(3333), "nodeid", int64(0)}
	assert.Equal(t, canonical, MigrateLegacyStoreArgs(canonical))
}
