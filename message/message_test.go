package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassifies(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind Kind
	}{
		{"request", `{"id":"-1","method":"GetValue","params":["ns.key"]}`, KindRequest},
		{"numeric id request", `{"id":7,"method":"GetValue","params":[]}`, KindRequest},
		{"notification", `{"method":"Message","params":[{"Channel":"warning","Text":"x"}]}`, KindNotification},
		{"null id is a notification", `{"id":null,"method":"Message"}`, KindNotification},
		{"empty method is still a call", `{"id":"1","method":""}`, KindRequest},
		{"success reply", `{"id":"-1","result":"hello"}`, KindReply},
		{"error reply", `{"id":"-1","error":{"code":-32601,"message":"nope"}}`, KindReply},
		{"reply without result", `{"id":"-2"}`, KindReply},
		{"batch", ` [{"id":"1","method":"a"}]`, KindBatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, kind, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":           "  ",
		"scalar":          `"text"`,
		"no method no id": `{"result":1}`,
		"bad id":          `{"id":{"x":1},"result":1}`,
		"broken json":     `{"id":"1",`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, kind, err := Decode([]byte(in))
			assert.Error(t, err)
			assert.Equal(t, KindInvalid, kind)
		})
	}
}

func TestDecodeReplyFields(t *testing.T) {
	msg, _, err := Decode([]byte(`{"id":"-1","error":{"code":-32601,"message":"method not found: X"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, MethodNotFound, msg.Error.Code)
	assert.Equal(t, "-1", msg.ID.Key())

	msg, _, err = Decode([]byte(`{"id":"-3","result":null}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, `null`, string(msg.Result))
}

func TestEncodeShapes(t *testing.T) {
	req, err := NewRequest(StringID("-1"), "GetValue", json.RawMessage(`["ns.key"]`)).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"-1","method":"GetValue","params":["ns.key"]}`, string(req))

	note, err := NewNotification("Message", json.RawMessage(`[{"Text":"x"}]`)).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Message","params":[{"Text":"x"}]}`, string(note))

	res, err := NewResult(StringID("4"), nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"4","result":null}`, string(res))

	errReply, err := NewErrorReply(ID("9"), NewError(InvalidParams, "want %d args", 2)).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"error":{"code":-32602,"message":"want 2 args"}}`, string(errReply))
}

func TestIDKey(t *testing.T) {
	assert.Equal(t, "-12", StringID("-12").Key())
	assert.Equal(t, "12", ID("12").Key())
	assert.True(t, ID(nil).IsZero())
	assert.True(t, ID("null").IsZero())
	assert.False(t, StringID("").IsZero())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	remote := NewError(RateLimited, "slow down")
	assert.Same(t, remote, AsError(remote))

	plain := AsError(assert.AnError)
	assert.Equal(t, InternalError, plain.Code)
	assert.Equal(t, assert.AnError.Error(), plain.Message)
}
