// Package rank holds the rank record exchanged between the background service and
// chat tabs, plus the small amount of presentation logic every consumer needs:
// key normalisation, tooltip text and profile deep links.
package rank

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Tier names as reported by the rank backend.
const (
	TierIron        = "IRON"
	TierBronze      = "BRONZE"
	TierSilver      = "SILVER"
	TierGold        = "GOLD"
	TierPlatinum    = "PLATINUM"
	TierEmerald     = "EMERALD"
	TierDiamond     = "DIAMOND"
	TierMaster      = "MASTER"
	TierGrandmaster = "GRANDMASTER"
	TierChallenger  = "CHALLENGER"
	TierUnranked    = "UNRANKED"
)

var knownTiers = map[string]bool{
	TierIron: true, TierBronze: true, TierSilver: true, TierGold: true, TierPlatinum: true,
	TierEmerald: true, TierDiamond: true, TierMaster: true, TierGrandmaster: true,
	TierChallenger: true, TierUnranked: true,
}

// apex tiers have no divisions.
var apexTiers = map[string]bool{TierMaster: true, TierGrandmaster: true, TierChallenger: true}

// Entry is one participant's rank record. Timestamp and Frequency are owned by
// the rank cache; everything else comes from the backend or the identity store.
type Entry struct {
	Tier         string    `json:"tier"`
	Division     string    `json:"division,omitempty"`
	LeaguePoints *int      `json:"leaguePoints,omitempty"`
	SummonerName string    `json:"summonerName"`
	Region       string    `json:"region"`
	Animate      bool      `json:"animate,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Frequency    int       `json:"frequency"`
}

// UnmarshalJSON accepts both the canonical field names and the rank backend's
// snake_case names (rank_tier, rank_division, lp, riot_id, plus_active).
func (e *Entry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Tier         string    `json:"tier"`
		Division     string    `json:"division"`
		LeaguePoints *int      `json:"leaguePoints"`
		SummonerName string    `json:"summonerName"`
		Region       string    `json:"region"`
		Animate      bool      `json:"animate"`
		Timestamp    time.Time `json:"timestamp"`
		Frequency    int       `json:"frequency"`

		RankTier     string `json:"rank_tier"`
		RankDivision string `json:"rank_division"`
		LP           *int   `json:"lp"`
		RiotID       string `json:"riot_id"`
		PlusActive   bool   `json:"plus_active"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Entry{
		Tier:         firstNonEmpty(raw.Tier, raw.RankTier),
		Division:     firstNonEmpty(raw.Division, raw.RankDivision),
		LeaguePoints: raw.LeaguePoints,
		SummonerName: firstNonEmpty(raw.SummonerName, raw.RiotID),
		Region:       raw.Region,
		Animate:      raw.Animate || raw.PlusActive,
		Timestamp:    raw.Timestamp,
		Frequency:    raw.Frequency,
	}
	if e.LeaguePoints == nil {
		e.LeaguePoints = raw.LP
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// NormalizeKey returns the cache key for a participant handle: trimmed,
// lowercased and without a leading mention marker.
func NormalizeKey(participant string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(participant), "@"))
}

// HasTier reports whether the entry carries any tier at all. Entries without a
// tier never produce a badge.
func (e *Entry) HasTier() bool {
	return e != nil && strings.TrimSpace(e.Tier) != ""
}

// KnownTier reports whether the tier is one the badge set has an icon for.
func (e *Entry) KnownTier() bool {
	return e.HasTier() && knownTiers[e.NormalizedTier()]
}

// NormalizedTier is the upper-case tier name.
func (e *Entry) NormalizedTier() string {
	if e == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(e.Tier))
}

// Clone returns a deep copy so cache-owned entries never leak to callers.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.LeaguePoints != nil {
		lp := *e.LeaguePoints
		c.LeaguePoints = &lp
	}
	return &c
}

// LP is a convenience constructor for LeaguePoints.
func LP(v int) *int { return &v }

// Tooltip renders the hover text, e.g. "GOLD II - 50 LP". Apex tiers omit the
// division and unranked players show only "UNRANKED".
func (e *Entry) Tooltip() string {
	if !e.HasTier() {
		return ""
	}
	tier := e.NormalizedTier()
	if tier == TierUnranked {
		return TierUnranked
	}
	text := tier
	if div := strings.TrimSpace(e.Division); div != "" && !apexTiers[tier] {
		text += " " + strings.ToUpper(div)
	}
	if e.LeaguePoints != nil {
		text += fmt.Sprintf(" - %d LP", *e.LeaguePoints)
	}
	return text
}

// IconName is the CDN file stem for the entry's badge.
func (e *Entry) IconName() string {
	return IconName(e.NormalizedTier(), e != nil && e.Animate)
}

// IconName is the CDN file stem for a tier, with the animated variant suffix.
func IconName(tier string, animated bool) string {
	name := strings.ToLower(strings.TrimSpace(tier))
	if animated {
		name += "_premium"
	}
	return name
}

// platform routing values mapped to op.gg region slugs.
var regionSlugs = map[string]string{
	"na1": "na", "euw1": "euw", "eun1": "eune", "kr": "kr", "br1": "br", "jp1": "jp",
	"la1": "lan", "la2": "las", "oc1": "oce", "tr1": "tr", "ru": "ru", "ph2": "ph",
	"sg2": "sg", "th2": "th", "tw2": "tw", "vn2": "vn", "me1": "me",
}

// RegionSlug maps a platform routing value (e.g. "na1") to the profile site's
// region slug. Unknown values are lowercased and passed through.
func RegionSlug(region string) string {
	r := strings.ToLower(strings.TrimSpace(region))
	if slug, ok := regionSlugs[r]; ok {
		return slug
	}
	return r
}

// ProfileURL builds the external profile deep link for the entry. Riot ids of
// the form "Name#TAG" become "Name-TAG" in the path.
func (e *Entry) ProfileURL() string {
	if e == nil || strings.TrimSpace(e.SummonerName) == "" {
		return ""
	}
	region := RegionSlug(e.Region)
	if region == "" {
		region = "na"
	}
	name, tag, found := strings.Cut(strings.TrimSpace(e.SummonerName), "#")
	slug := url.PathEscape(name)
	if found && tag != "" {
		slug += "-" + url.PathEscape(tag)
	}
	return "https://op.gg/lol/summoners/" + region + "/" + slug
}
