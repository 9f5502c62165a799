// Package blive is the boundary to the Bilibili live platform: the decoded
// upstream event model, the feed contract consumed by the relay core, the
// danmaku websocket client behind it, and the room metadata lookup.
package blive

import "context"

// EventHandler receives decoded upstream events for one room. The five
// methods form a closed set; the wire decoder maps raw protocol command names
// onto it and drops everything else.
type EventHandler interface {
	OnText(TextEvent)
	OnGift(GiftEvent)
	OnMembership(MembershipEvent)
	OnSuperChat(SuperChatEvent)
	OnSuperChatDelete(SuperChatDeleteEvent)
}

// Feed is one room's upstream event source. It is owned exclusively by that
// room's relay instance: started once at room creation and stopped at
// teardown.
type Feed interface {
	// Start connects to the upstream source and begins delivering events to
	// the handler. It returns an error if the initial connection fails; after
	// a successful start the feed reconnects on its own until Stop is called.
	Start(ctx context.Context) error
	// Stop disconnects and releases the feed. Safe to call more than once.
	Stop()
}

// FeedFactory builds the feed for a room. Injected into the registry so tests
// can substitute a fake upstream.
type FeedFactory func(roomID int64, handler EventHandler) Feed

// TextEvent is one chat message (danmaku).
type TextEvent struct {
	UID            int64
	UName          string
	Content        string
	TimestampMilli int64
	Admin          bool
	// PrivilegeType is the paid membership tier: 0 none, 1-3 ascending ranks.
	PrivilegeType int
	// IsGiftDanmaku marks messages generated by gifting rather than typed.
	IsGiftDanmaku bool
	UserLevel     int
	// URank below 10000 marks a newbie account.
	URank          int
	MobileVerified bool
	MedalLevel     int
	// MedalRoomID is the room the sender's fan medal belongs to; a medal from
	// another room is not shown.
	MedalRoomID int64
}

// GiftEvent is one gift. CoinType distinguishes paid ("gold") from free
// ("silver") currency.
type GiftEvent struct {
	UID       int64
	UName     string
	FaceURL   string
	Timestamp int64
	CoinType  string
	TotalCoin int64
	GiftName  string
	Num       int
}

// MembershipEvent is a paid membership (guard) purchase.
type MembershipEvent struct {
	UID        int64
	UName      string
	GuardLevel int
	StartTime  int64
}

// SuperChatEvent is a paid message. ID is platform-assigned and referenced by
// later withdrawals.
type SuperChatEvent struct {
	ID        int64
	UID       int64
	UName     string
	FaceURL   string
	Price     int64
	Content   string
	StartTime int64
}

// SuperChatDeleteEvent withdraws previously delivered super chats.
type SuperChatDeleteEvent struct {
	IDs []int64
}
