package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequest_MarshalUnmarshal_RoundTrip(t *testing.T) {
	req := NewRequest("get_health", []interface{}{})
	data, err := req.MarshalJSON()
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, req.Method, got.Method)
	require.Equal(t, req.ID, got.ID)
}

func TestRequest_Unmarshal_RejectsMissingFields(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"auth"}`), &req)
	require.ErrorIs(t, err, ErrMalformedJsonRpc)
}

func TestRequest_Unmarshal_RejectsWrongVersion(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{"jsonrpc":"1.0","method":"auth","id":1,"params":[]}`), &req)
	require.ErrorIs(t, err, ErrMalformedJsonRpc)
}

func TestResponse_ResultRoundTrip(t *testing.T) {
	resp := ResultResponse(7, "accepted")
	data, err := resp.MarshalJSON()
	require.NoError(t, err)

	var got Response
	require.NoError(t, json.Unmarshal(data, &got))
	require.False(t, got.IsError)
	require.Equal(t, 7, *got.ID)
	require.Equal(t, "accepted", got.Result)
}

func TestResponse_ErrorRoundTrip(t *testing.T) {
	resp := ErrorResponse(intPtr(3), "denied")
	data, err := resp.MarshalJSON()
	require.NoError(t, err)

	var got Response
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.IsError)
	require.Equal(t, 3, *got.ID)
	require.Equal(t, "denied", got.Result)
}

func TestResponse_Unmarshal_RejectsBothResultAndError(t *testing.T) {
	var resp Response
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok","error":"no"}`), &resp)
	require.ErrorIs(t, err, ErrMalformedJsonRpc)
}

func intPtr(i int) *int { return &i }
