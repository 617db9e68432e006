package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func rawEnvelope(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	env := map[string]any{"type": typ}
	if payload != nil {
		body, err := msgpack.Marshal(payload)
		require.NoError(t, err)
		env["payload"] = msgpack.RawMessage(body)
	}
	data, err := msgpack.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestEncodeDecodeChunk(t *testing.T) {
	in := Chunk{FileName: "a.txt", Offset: 1024, Bytes: []byte("hello"), Final: true}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	chunk, ok := out.(Chunk)
	require.True(t, ok, "expected Chunk, got %T", out)
	assert.Equal(t, in, chunk)
}

func TestEncodeDecodeInfo(t *testing.T) {
	in := Info{Files: []FileDescriptor{
		{Name: "a.txt", Size: 10, MediaType: "text/plain"},
		{Name: "b.bin", Size: 0, MediaType: "application/octet-stream"},
	}}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmptyMessagesRoundTrip(t *testing.T) {
	for _, m := range []Message{Pause{}, Done{}, Report{}, PasswordRequired{}, RequestInfo{}} {
		data, err := Encode(m)
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err, "type %s", m.Type())
		assert.Equal(t, m.Type(), out.Type())
	}
}

func TestZeroLengthChunkKeepsFields(t *testing.T) {
	data, err := Encode(Chunk{FileName: "empty", Offset: 0, Final: true})
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	chunk := out.(Chunk)
	assert.True(t, chunk.Final)
	assert.Empty(t, chunk.Bytes)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(rawEnvelope(t, "Teleport", map[string]any{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"start_missing_offset", rawEnvelope(t, "Start", map[string]any{"fileName": "a.txt"})},
		{"start_no_payload", rawEnvelope(t, "Start", nil)},
		{"start_empty_name", rawEnvelope(t, "Start", map[string]any{"fileName": "", "offset": 0})},
		{"chunk_missing_final", rawEnvelope(t, "Chunk", map[string]any{"fileName": "a", "offset": 0, "bytes": []byte{1}})},
		{"chunk_offset_wrong_type", rawEnvelope(t, "Chunk", map[string]any{"fileName": "a", "offset": "zero", "bytes": []byte{1}, "final": true})},
		{"password_missing", rawEnvelope(t, "UsePassword", map[string]any{})},
		{"info_duplicate_names", rawEnvelope(t, "Info", map[string]any{"files": []map[string]any{
			{"fileName": "a", "size": 1, "type": ""},
			{"fileName": "a", "size": 2, "type": ""},
		}})},
		{"info_negative_size", rawEnvelope(t, "Info", map[string]any{"files": []map[string]any{
			{"fileName": "a", "size": -1, "type": ""},
		}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}
