package codex

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage_Request(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":7,"method":"item/commandExecution/requestApproval","params":{"itemId":"i1"}}`))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok, "expected *Request, got %T", msg)
	assert.Equal(t, "item/commandExecution/requestApproval", req.Method)
	assert.Equal(t, float64(7), req.ID)
}

func TestDecodeMessage_Response(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":"abc","result":{"thread":{"id":"t1"}}}`))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok, "expected *Response, got %T", msg)
	assert.Equal(t, "abc", resp.ID)
	assert.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestDecodeMessage_ErrorWinsOverResult(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":3,"result":{"ok":true},"error":{"code":-32603,"message":"boom"}}`))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Message)
	assert.Nil(t, resp.Result, "result must be discarded when error is present")
}

func TestDecodeMessage_Notification(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"method":"turn/started","params":{"threadId":"t1","turnId":"u1"}}`))
	require.NoError(t, err)

	n, ok := msg.(*Notification)
	require.True(t, ok, "expected *Notification, got %T", msg)
	assert.Equal(t, "turn/started", n.Method)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"foo":"bar"}`, // no id, no method
		`{"id":1}`,      // id without method/result/error
		`[]`,
	}
	for _, c := range cases {
		_, err := DecodeMessage([]byte(c))
		assert.ErrorIs(t, err, ErrMalformed, "input %q", c)
	}
}

func TestDecodeMessage_IDsStayOpaque(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":"req-9","method":"initialize"}`))
	require.NoError(t, err)
	req := msg.(*Request)
	assert.Equal(t, "req-9", req.ID, "string ids must not be coerced")
}

func TestEncode_AppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Notification{Method: "initialized"})
	require.NoError(t, err)

	out := buf.Bytes()
	require.True(t, len(out) > 0)
	assert.Equal(t, byte('\n'), out[len(out)-1])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "initialized", decoded["method"])
	_, hasID := decoded["id"]
	assert.False(t, hasID, "notifications must not carry an id")
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, int64(5), NormalizeID(float64(5)))
	assert.Equal(t, int64(5), NormalizeID(5))
	assert.Equal(t, int64(5), NormalizeID(json.Number("5")))
	assert.Equal(t, "x", NormalizeID("x"))
}
