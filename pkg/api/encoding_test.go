package api

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func hash(b byte) []byte {
	return bytes.Repeat([]byte{b}, 20)
}

func TestCodec_Messages(t *testing.T) {
	tests := []struct {
		name string
		in   Message
		out  Message
	}{
		{"submit request", &SubmitRequest{
			WaveID: "example.com!w+1", WaveletID: "example.com!conv+root",
			Delta:      []byte{0x0a, 0x03, 'a', 'b', 'c'},
			Signatures: []Signature{{SignerID: hash(1), Signature: []byte("sig"), Algorithm: "ed25519"}},
		}, &SubmitRequest{}},
		{"submit response", &SubmitResponse{
			OperationsApplied:    2,
			ResultingVersion:     HashedVersion{Version: 7, HistoryHash: hash(2)},
			ApplicationTimestamp: -5,
			Outcome:              "applied",
		}, &SubmitResponse{}},
		{"history request", &HistoryRequest{
			WaveID: "example.com!w+1", WaveletID: "example.com!conv+root",
			Start: HashedVersion{Version: 0, HistoryHash: []byte("wave://example.com/w+1/conv+root")},
			End:   HashedVersion{Version: 3, HistoryHash: hash(3)},
			Limit: 10,
		}, &HistoryRequest{}},
		{"history response", &HistoryResponse{Deltas: [][]byte{{1}, {2, 3}}, Truncated: true}, &HistoryResponse{}},
		{"snapshot response", &SnapshotResponse{
			Snapshot:         []byte{9, 9},
			Version:          HashedVersion{Version: 4, HistoryHash: hash(4)},
			CommittedVersion: HashedVersion{Version: 3, HistoryHash: hash(3)},
		}, &SnapshotResponse{}},
		{"lookup response", &LookupResponse{WaveletIDs: []string{"a!b", "a!c"}}, &LookupResponse{}},
		{"delete request", &DeleteRequest{WaveID: "a!w", WaveletID: "a!x"}, &DeleteRequest{}},
	}

	c := codec{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.Marshal(tt.in)
			require.NoError(t, err)
			require.NoError(t, c.Unmarshal(data, tt.out))
			assert.Equal(t, tt.in, tt.out)
		})
	}
}

func TestCodec_CopiesBytes(t *testing.T) {
	c := codec{}
	data, err := c.Marshal(&HistoryResponse{Deltas: [][]byte{[]byte("delta")}})
	require.NoError(t, err)

	var resp HistoryResponse
	require.NoError(t, c.Unmarshal(data, &resp))
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("delta"), resp.Deltas[0])
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	data := protowire.AppendTag(nil, 1, protowire.BytesType)
	data = protowire.AppendString(data, "example.com!w+1")
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	var req LookupRequest
	require.NoError(t, codec{}.Unmarshal(data, &req))
	assert.Equal(t, "example.com!w+1", req.WaveID)
}

func TestCodec_Malformed(t *testing.T) {
	var req SubmitRequest
	assert.Error(t, codec{}.Unmarshal([]byte{0x0a, 0x05, 'a'}, &req))

	// wave_id sent as a varint
	data := protowire.AppendTag(nil, 1, protowire.VarintType)
	data = protowire.AppendVarint(data, 3)
	assert.Error(t, codec{}.Unmarshal(data, &req))

	_, err := codec{}.Marshal(struct{}{})
	assert.Error(t, err)
	_, err = codec{}.Marshal(&HistoryRequest{Limit: -1})
	assert.Error(t, err)
}

func TestCodec_ProtoMessages(t *testing.T) {
	c := codec{}
	data, err := c.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, "hello", out.GetValue())
	assert.Equal(t, "proto", c.Name())
}
