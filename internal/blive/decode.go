package blive

import (
	"encoding/json"
	"fmt"

	"github.com/Jecosine/blivechat/internal/metrics"
)

// decodeCommand maps a raw notification command onto the closed event set.
// Commands outside the set are dropped silently; the relay only consumes
// these five.
func decodeCommand(cmd string, body []byte, handler EventHandler) error {
	switch cmd {
	case "DANMU_MSG":
		ev, err := parseDanmaku(body)
		if err != nil {
			return err
		}
		metrics.FeedEventsTotal.WithLabelValues("text").Inc()
		handler.OnText(ev)
	case "SEND_GIFT":
		ev, err := parseGift(body)
		if err != nil {
			return err
		}
		metrics.FeedEventsTotal.WithLabelValues("gift").Inc()
		handler.OnGift(ev)
	case "GUARD_BUY":
		ev, err := parseGuardBuy(body)
		if err != nil {
			return err
		}
		metrics.FeedEventsTotal.WithLabelValues("membership").Inc()
		handler.OnMembership(ev)
	case "SUPER_CHAT_MESSAGE":
		ev, err := parseSuperChat(body)
		if err != nil {
			return err
		}
		metrics.FeedEventsTotal.WithLabelValues("super_chat").Inc()
		handler.OnSuperChat(ev)
	case "SUPER_CHAT_MESSAGE_DELETE":
		ev, err := parseSuperChatDelete(body)
		if err != nil {
			return err
		}
		metrics.FeedEventsTotal.WithLabelValues("super_chat_delete").Inc()
		handler.OnSuperChatDelete(ev)
	}
	return nil
}

// parseDanmaku decodes DANMU_MSG. The payload is a heterogeneous positional
// array; indices rather than field names are addressed deliberately, so a
// platform-side rename does not break parsing.
func parseDanmaku(body []byte) (TextEvent, error) {
	var raw struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return TextEvent{}, err
	}
	if len(raw.Info) < 8 {
		return TextEvent{}, fmt.Errorf("info array too short: %d", len(raw.Info))
	}

	var meta []any
	if err := json.Unmarshal(raw.Info[0], &meta); err != nil {
		return TextEvent{}, fmt.Errorf("info[0]: %w", err)
	}
	var content string
	if err := json.Unmarshal(raw.Info[1], &content); err != nil {
		return TextEvent{}, fmt.Errorf("info[1]: %w", err)
	}
	var user []any
	if err := json.Unmarshal(raw.Info[2], &user); err != nil {
		return TextEvent{}, fmt.Errorf("info[2]: %w", err)
	}
	var medal []any
	if err := json.Unmarshal(raw.Info[3], &medal); err != nil {
		return TextEvent{}, fmt.Errorf("info[3]: %w", err)
	}
	var levelInfo []any
	if err := json.Unmarshal(raw.Info[4], &levelInfo); err != nil {
		return TextEvent{}, fmt.Errorf("info[4]: %w", err)
	}
	var privilegeType float64
	if err := json.Unmarshal(raw.Info[7], &privilegeType); err != nil {
		return TextEvent{}, fmt.Errorf("info[7]: %w", err)
	}

	ev := TextEvent{
		Content:        content,
		TimestampMilli: asInt64(index(meta, 4)),
		IsGiftDanmaku:  asInt64(index(meta, 9)) != 0,
		UID:            asInt64(index(user, 0)),
		UName:          asString(index(user, 1)),
		Admin:          asInt64(index(user, 2)) != 0,
		URank:          int(asInt64(index(user, 5))),
		MobileVerified: asInt64(index(user, 6)) != 0,
		UserLevel:      int(asInt64(index(levelInfo, 0))),
		PrivilegeType:  int(privilegeType),
	}
	// An empty medal array means no fan medal worn.
	if len(medal) > 3 {
		ev.MedalLevel = int(asInt64(index(medal, 0)))
		ev.MedalRoomID = asInt64(index(medal, 3))
	}
	return ev, nil
}

func parseGift(body []byte) (GiftEvent, error) {
	var raw struct {
		Data struct {
			GiftName  string `json:"giftName"`
			Num       int    `json:"num"`
			UName     string `json:"uname"`
			Face      string `json:"face"`
			UID       int64  `json:"uid"`
			Timestamp int64  `json:"timestamp"`
			CoinType  string `json:"coin_type"`
			TotalCoin int64  `json:"total_coin"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return GiftEvent{}, err
	}
	return GiftEvent{
		UID:       raw.Data.UID,
		UName:     raw.Data.UName,
		FaceURL:   raw.Data.Face,
		Timestamp: raw.Data.Timestamp,
		CoinType:  raw.Data.CoinType,
		TotalCoin: raw.Data.TotalCoin,
		GiftName:  raw.Data.GiftName,
		Num:       raw.Data.Num,
	}, nil
}

func parseGuardBuy(body []byte) (MembershipEvent, error) {
	var raw struct {
		Data struct {
			UID        int64  `json:"uid"`
			Username   string `json:"username"`
			GuardLevel int    `json:"guard_level"`
			StartTime  int64  `json:"start_time"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return MembershipEvent{}, err
	}
	return MembershipEvent{
		UID:        raw.Data.UID,
		UName:      raw.Data.Username,
		GuardLevel: raw.Data.GuardLevel,
		StartTime:  raw.Data.StartTime,
	}, nil
}

func parseSuperChat(body []byte) (SuperChatEvent, error) {
	var raw struct {
		Data struct {
			ID        int64  `json:"id"`
			Price     int64  `json:"price"`
			Message   string `json:"message"`
			StartTime int64  `json:"start_time"`
			UID       int64  `json:"uid"`
			UserInfo  struct {
				UName string `json:"uname"`
				Face  string `json:"face"`
			} `json:"user_info"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return SuperChatEvent{}, err
	}
	return SuperChatEvent{
		ID:        raw.Data.ID,
		UID:       raw.Data.UID,
		UName:     raw.Data.UserInfo.UName,
		FaceURL:   raw.Data.UserInfo.Face,
		Price:     raw.Data.Price,
		Content:   raw.Data.Message,
		StartTime: raw.Data.StartTime,
	}, nil
}

func parseSuperChatDelete(body []byte) (SuperChatDeleteEvent, error) {
	var raw struct {
		Data struct {
			IDs []int64 `json:"ids"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return SuperChatDeleteEvent{}, err
	}
	return SuperChatDeleteEvent{IDs: raw.Data.IDs}, nil
}

func index(arr []any, i int) any {
	if i < len(arr) {
		return arr[i]
	}
	return nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
