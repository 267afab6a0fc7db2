// Package messaging is the contract between chat tabs and the background
// service: a closed set of request types, one fixed result shape per type, a
// JSON envelope, and the transports that carry it.
package messaging

import (
	"encoding/json"

	"github.com/eloward/rankbadges/rank"
)

// Type discriminates requests on the wire.
type Type string

const (
	TypeResolveRank       Type = "resolve_rank"
	TypeCheckActive       Type = "check_active"
	TypeIncrementCounter  Type = "increment_counter"
	TypeSetCurrentUser    Type = "set_current_user"
	TypeClearCache        Type = "clear_cache"
	TypeGetAllCachedRanks Type = "get_all_cached_ranks"
	TypeSetRankData       Type = "set_rank_data"
	TypeFetchBadgeIcon    Type = "fetch_badge_icon"
	TypeDetectGame        Type = "detect_game"
)

// Request is implemented only by the request structs in this package.
type Request interface {
	Type() Type
	isRequest()
}

// Counter names accepted by IncrementCounter.
const (
	CounterDBRead           = "db_read"
	CounterSuccessfulLookup = "successful_lookup"
)

type ResolveRank struct {
	Participant string `json:"participant"`
	Channel     string `json:"channel,omitempty"`
}

type CheckActive struct {
	Channel string `json:"channel"`
}

type IncrementCounter struct {
	Counter string `json:"counter"`
	Channel string `json:"channel"`
}

type SetCurrentUser struct {
	Participant string `json:"participant"`
}

type ClearCache struct{}

type GetAllCachedRanks struct{}

type SetRankData struct {
	Participant string      `json:"participant"`
	Rank        *rank.Entry `json:"rank"`
}

type FetchBadgeIcon struct {
	Tier     string `json:"tier"`
	Animated bool   `json:"animated,omitempty"`
}

type DetectGame struct {
	Channel string `json:"channel"`
}

func (ResolveRank) Type() Type       { return TypeResolveRank }
func (CheckActive) Type() Type       { return TypeCheckActive }
func (IncrementCounter) Type() Type  { return TypeIncrementCounter }
func (SetCurrentUser) Type() Type    { return TypeSetCurrentUser }
func (ClearCache) Type() Type        { return TypeClearCache }
func (GetAllCachedRanks) Type() Type { return TypeGetAllCachedRanks }
func (SetRankData) Type() Type       { return TypeSetRankData }
func (FetchBadgeIcon) Type() Type    { return TypeFetchBadgeIcon }
func (DetectGame) Type() Type        { return TypeDetectGame }

func (ResolveRank) isRequest()       {}
func (CheckActive) isRequest()       {}
func (IncrementCounter) isRequest()  {}
func (SetCurrentUser) isRequest()    {}
func (ClearCache) isRequest()        {}
func (GetAllCachedRanks) isRequest() {}
func (SetRankData) isRequest()       {}
func (FetchBadgeIcon) isRequest()    {}
func (DetectGame) isRequest()        {}

// Results, one per request type. Requests without a payload answer Ack.

type RankResult struct {
	Rank *rank.Entry `json:"rank"`
}

type ActiveResult struct {
	Active bool `json:"active"`
}

type RanksResult struct {
	Ranks map[string]*rank.Entry `json:"ranks"`
}

type IconResult struct {
	DataURL string `json:"dataUrl"`
}

type GameResult struct {
	Game string `json:"game"`
}

type Ack struct{}

// Envelope is a request on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is a response on the wire. Result is present only when OK is true.
type Reply struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}
