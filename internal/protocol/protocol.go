// Package protocol defines the websocket wire contract between the relay and
// its subscribers. Every frame in both directions is a JSON envelope
// {cmd, data}; the command set is closed and field order inside positional
// payloads is part of the contract.
package protocol

import "encoding/json"

// Command identifies the envelope payload type.
type Command int

const (
	CmdHeartbeat         Command = 0
	CmdJoinRoom          Command = 1
	CmdAddText           Command = 2
	CmdAddGift           Command = 3
	CmdAddMember         Command = 4
	CmdAddSuperChat      Command = 5
	CmdDelSuperChat      Command = 6
	CmdUpdateTranslation Command = 7
)

// String returns the command name for logging and metrics labels.
func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdJoinRoom:
		return "JOIN_ROOM"
	case CmdAddText:
		return "ADD_TEXT"
	case CmdAddGift:
		return "ADD_GIFT"
	case CmdAddMember:
		return "ADD_MEMBER"
	case CmdAddSuperChat:
		return "ADD_SUPER_CHAT"
	case CmdDelSuperChat:
		return "DEL_SUPER_CHAT"
	case CmdUpdateTranslation:
		return "UPDATE_TRANSLATION"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the frame shape shared by both directions.
type Envelope struct {
	Cmd  Command         `json:"cmd"`
	Data json.RawMessage `json:"data"`
}

// Marshal serializes an outbound envelope. The returned bytes are shared
// read-only across all subscriber writes for one fan-out call.
func Marshal(cmd Command, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Cmd: cmd, Data: raw})
}

// JoinRoomData is the payload of an inbound JOIN_ROOM frame.
type JoinRoomData struct {
	RoomID int64           `json:"roomId"`
	Config *JoinRoomConfig `json:"config,omitempty"`
}

// JoinRoomConfig carries the client's initial configuration.
type JoinRoomConfig struct {
	AutoTranslate bool `json:"autoTranslate"`
}

// GiftData is the ADD_GIFT payload.
type GiftData struct {
	ID         string `json:"id"`
	AvatarURL  string `json:"avatarUrl"`
	Timestamp  int64  `json:"timestamp"`
	AuthorName string `json:"authorName"`
	TotalCoin  int64  `json:"totalCoin"`
	GiftName   string `json:"giftName"`
	Num        int    `json:"num"`
}

// MemberData is the ADD_MEMBER payload.
type MemberData struct {
	ID            string `json:"id"`
	AvatarURL     string `json:"avatarUrl"`
	Timestamp     int64  `json:"timestamp"`
	AuthorName    string `json:"authorName"`
	PrivilegeType int    `json:"privilegeType"`
}

// SuperChatData is the ADD_SUPER_CHAT payload.
type SuperChatData struct {
	ID          string `json:"id"`
	AvatarURL   string `json:"avatarUrl"`
	Timestamp   int64  `json:"timestamp"`
	AuthorName  string `json:"authorName"`
	Price       int64  `json:"price"`
	Content     string `json:"content"`
	Translation string `json:"translation"`
}

// DelSuperChatData is the DEL_SUPER_CHAT payload.
type DelSuperChatData struct {
	IDs []string `json:"ids"`
}

// AuthorType classifies a text message's sender, highest priority first.
const (
	AuthorNormal = 0 // ordinary viewer
	AuthorMember = 1 // has a paid membership tier
	AuthorAdmin  = 2 // room admin
	AuthorOwner  = 3 // room owner
)

// MakeTextData builds the positional ADD_TEXT payload. The array form is a
// deliberate bandwidth optimization; positions are frozen:
//
//	0 avatarUrl, 1 timestamp, 2 authorName, 3 authorType, 4 content,
//	5 privilegeType, 6 isGiftDanmaku, 7 authorLevel, 8 isNewbie,
//	9 isMobileVerified, 10 medalLevel, 11 id, 12 translation
func MakeTextData(avatarURL string, timestamp int64, authorName string, authorType int,
	content string, privilegeType int, isGiftDanmaku bool, authorLevel int,
	isNewbie, isMobileVerified bool, medalLevel int, id, translation string) []any {
	return []any{
		avatarURL,
		timestamp,
		authorName,
		authorType,
		content,
		privilegeType,
		boolToInt(isGiftDanmaku),
		authorLevel,
		boolToInt(isNewbie),
		boolToInt(isMobileVerified),
		medalLevel,
		id,
		translation,
	}
}

// MakeTranslationData builds the positional UPDATE_TRANSLATION payload:
// 0 id, 1 translation.
func MakeTranslationData(id, translation string) []any {
	return []any{id, translation}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
