package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Positions in the ADD_TEXT array are part of the wire contract. This test
// pins the layout so a reorder fails loudly.
func TestMakeTextData_Layout(t *testing.T) {
	data := MakeTextData(
		"//example.com/face.jpg@48w_48h", 1700000000, "alice", AuthorOwner,
		"hello", 3, false, 20, true, true, 7, "abc123", "こんにちは",
	)

	require.Len(t, data, 13)
	assert.Equal(t, "//example.com/face.jpg@48w_48h", data[0])
	assert.Equal(t, int64(1700000000), data[1])
	assert.Equal(t, "alice", data[2])
	assert.Equal(t, AuthorOwner, data[3])
	assert.Equal(t, "hello", data[4])
	assert.Equal(t, 3, data[5])
	assert.Equal(t, 0, data[6])
	assert.Equal(t, 20, data[7])
	assert.Equal(t, 1, data[8])
	assert.Equal(t, 1, data[9])
	assert.Equal(t, 7, data[10])
	assert.Equal(t, "abc123", data[11])
	assert.Equal(t, "こんにちは", data[12])
}

func TestMakeTranslationData_Layout(t *testing.T) {
	data := MakeTranslationData("abc123", "hello")
	require.Len(t, data, 2)
	assert.Equal(t, "abc123", data[0])
	assert.Equal(t, "hello", data[1])
}

func TestMarshal_EnvelopeShape(t *testing.T) {
	body, err := Marshal(CmdAddGift, GiftData{
		ID:         "g1",
		AvatarURL:  "//example.com/face.jpg",
		Timestamp:  1700000000,
		AuthorName: "bob",
		TotalCoin:  450000,
		GiftName:   "摩天大楼",
		Num:        1,
	})
	require.NoError(t, err)

	var envelope struct {
		Cmd  int             `json:"cmd"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, 3, envelope.Cmd)

	var gift GiftData
	require.NoError(t, json.Unmarshal(envelope.Data, &gift))
	assert.Equal(t, int64(450000), gift.TotalCoin)
	assert.Equal(t, "摩天大楼", gift.GiftName)
}

func TestEnvelope_InboundJoinRoom(t *testing.T) {
	raw := []byte(`{"cmd":1,"data":{"roomId":21452505,"config":{"autoTranslate":true}}}`)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, CmdJoinRoom, envelope.Cmd)

	var join JoinRoomData
	require.NoError(t, json.Unmarshal(envelope.Data, &join))
	assert.Equal(t, int64(21452505), join.RoomID)
	require.NotNil(t, join.Config)
	assert.True(t, join.Config.AutoTranslate)
}

func TestEnvelope_InboundJoinRoomWithoutConfig(t *testing.T) {
	raw := []byte(`{"cmd":1,"data":{"roomId":5050}}`)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(raw, &envelope))

	var join JoinRoomData
	require.NoError(t, json.Unmarshal(envelope.Data, &join))
	assert.Equal(t, int64(5050), join.RoomID)
	assert.Nil(t, join.Config)
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "ADD_TEXT", CmdAddText.String())
	assert.Equal(t, "UPDATE_TRANSLATION", CmdUpdateTranslation.String())
	assert.Equal(t, "UNKNOWN", Command(99).String())
}
