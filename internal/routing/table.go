package routing

import "strings"

type segKind int

const (
	segLiteral segKind = iota
	segID              // all-digit snowflake or @-tag
	segOpaque          // token, code or emoji; any non-empty value
)

type segment struct {
	kind  segKind
	value string // literal text, or parameter name
	major bool
}

type pattern struct {
	template string
	methods  map[string]struct{}
	segments []segment
}

// match attempts to bind segs against the pattern, returning the captured
// parameter values and the major-parameter tuple.
func (p *pattern) match(segs []string) (params, majors []string, ok bool) {
	if len(segs) != len(p.segments) {
		return nil, nil, false
	}
	for i, ps := range p.segments {
		in := segs[i]
		switch ps.kind {
		case segLiteral:
			if in != ps.value {
				return nil, nil, false
			}
		case segID:
			if !isID(in) {
				return nil, nil, false
			}
			params = append(params, in)
			if ps.major {
				majors = append(majors, in)
			}
		case segOpaque:
			params = append(params, in)
			if ps.major {
				majors = append(majors, in)
			}
		}
	}
	return params, majors, true
}

// Parameters whose values are opaque strings rather than snowflakes.
var opaqueParams = map[string]struct{}{
	"webhook_token":     {},
	"interaction_token": {},
	"emoji":             {},
	"invite_code":       {},
	"template_code":     {},
}

// rt compiles a pattern from a method list ("GET|POST") and a template.
// Major parameters are derived from the template: channel_id after a
// "channels" segment, guild_id after a "guilds" segment, the webhook
// id+token pair, and the interaction token.
func rt(methods, template string) pattern {
	ms := make(map[string]struct{})
	for _, m := range strings.Split(methods, "|") {
		ms[m] = struct{}{}
	}

	parts := strings.Split(strings.Trim(template, "/"), "/")
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if !strings.HasPrefix(part, "{") {
			segs[i] = segment{kind: segLiteral, value: part}
			continue
		}
		name := strings.Trim(part, "{}")
		kind := segID
		if _, ok := opaqueParams[name]; ok {
			kind = segOpaque
		}
		segs[i] = segment{kind: kind, value: name}
	}

	for i := range segs {
		if segs[i].kind == segLiteral {
			continue
		}
		prev := ""
		if i > 0 && segs[i-1].kind == segLiteral {
			prev = segs[i-1].value
		}
		switch segs[i].value {
		case "channel_id":
			segs[i].major = prev == "channels"
		case "guild_id":
			segs[i].major = prev == "guilds"
		case "webhook_id":
			segs[i].major = i == 1 && segs[0].value == "webhooks"
		case "webhook_token":
			segs[i].major = i == 2 && segs[0].value == "webhooks"
		case "interaction_token":
			segs[i].major = true
		}
	}

	return pattern{template: template, methods: ms, segments: segs}
}

// routeTable maps the first path segment (the resource family) to its
// templates. Within a family, templates with literal segments precede
// parameter segments at the same position so the most specific shape
// wins.
var routeTable = map[string][]pattern{
	"channels": {
		rt("GET|PATCH|PUT|DELETE", "/channels/{channel_id}"),
		rt("GET|POST", "/channels/{channel_id}/messages"),
		rt("POST", "/channels/{channel_id}/messages/bulk-delete"),
		rt("GET|PATCH|DELETE", "/channels/{channel_id}/messages/{message_id}"),
		rt("POST", "/channels/{channel_id}/messages/{message_id}/crosspost"),
		rt("DELETE", "/channels/{channel_id}/messages/{message_id}/reactions"),
		rt("GET|DELETE", "/channels/{channel_id}/messages/{message_id}/reactions/{emoji}"),
		rt("PUT|DELETE", "/channels/{channel_id}/messages/{message_id}/reactions/{emoji}/{user_id}"),
		rt("POST", "/channels/{channel_id}/messages/{message_id}/threads"),
		rt("PUT|DELETE", "/channels/{channel_id}/permissions/{overwrite_id}"),
		rt("GET|POST", "/channels/{channel_id}/invites"),
		rt("GET", "/channels/{channel_id}/pins"),
		rt("PUT|DELETE", "/channels/{channel_id}/pins/{message_id}"),
		rt("POST", "/channels/{channel_id}/typing"),
		rt("GET|POST", "/channels/{channel_id}/webhooks"),
		rt("POST", "/channels/{channel_id}/followers"),
		rt("PUT|DELETE", "/channels/{channel_id}/recipients/{user_id}"),
		rt("POST", "/channels/{channel_id}/threads"),
		rt("GET", "/channels/{channel_id}/thread-members"),
		rt("PUT|DELETE", "/channels/{channel_id}/thread-members/{user_id}"),
	},
	"guilds": {
		rt("POST", "/guilds"),
		rt("GET|POST", "/guilds/templates/{template_code}"),
		rt("GET|PATCH|DELETE", "/guilds/{guild_id}"),
		rt("GET", "/guilds/{guild_id}/audit-logs"),
		rt("GET", "/guilds/{guild_id}/bans"),
		rt("GET|PUT|DELETE", "/guilds/{guild_id}/bans/{user_id}"),
		rt("GET|POST|PATCH", "/guilds/{guild_id}/channels"),
		rt("GET|POST", "/guilds/{guild_id}/emojis"),
		rt("GET|PATCH|DELETE", "/guilds/{guild_id}/emojis/{emoji_id}"),
		rt("GET|POST", "/guilds/{guild_id}/integrations"),
		rt("PATCH|DELETE", "/guilds/{guild_id}/integrations/{integration_id}"),
		rt("POST", "/guilds/{guild_id}/integrations/{integration_id}/sync"),
		rt("GET", "/guilds/{guild_id}/invites"),
		rt("GET", "/guilds/{guild_id}/members"),
		rt("GET", "/guilds/{guild_id}/members/search"),
		rt("PATCH", "/guilds/{guild_id}/members/@me/nick"),
		rt("GET|PUT|PATCH|DELETE", "/guilds/{guild_id}/members/{user_id}"),
		rt("PUT|DELETE", "/guilds/{guild_id}/members/{user_id}/roles/{role_id}"),
		rt("GET", "/guilds/{guild_id}/preview"),
		rt("GET|POST", "/guilds/{guild_id}/prune"),
		rt("GET", "/guilds/{guild_id}/regions"),
		rt("GET|POST|PATCH", "/guilds/{guild_id}/roles"),
		rt("PATCH|DELETE", "/guilds/{guild_id}/roles/{role_id}"),
		rt("GET", "/guilds/{guild_id}/vanity-url"),
		rt("PATCH", "/guilds/{guild_id}/voice-states/{user_id}"),
		rt("GET", "/guilds/{guild_id}/webhooks"),
		rt("GET|PATCH", "/guilds/{guild_id}/widget"),
		rt("GET|POST", "/guilds/{guild_id}/templates"),
		rt("PUT|PATCH|DELETE", "/guilds/{guild_id}/templates/{template_code}"),
		rt("GET|PATCH", "/guilds/{guild_id}/welcome-screen"),
	},
	"users": {
		rt("GET|PATCH", "/users/{user_id}"),
		rt("GET", "/users/{user_id}/connections"),
		rt("GET|POST", "/users/{user_id}/channels"),
		rt("GET", "/users/{user_id}/guilds"),
		rt("DELETE", "/users/{user_id}/guilds/{guild_id}"),
	},
	"webhooks": {
		rt("GET|PATCH|DELETE", "/webhooks/{webhook_id}"),
		rt("GET|POST|PATCH|DELETE", "/webhooks/{webhook_id}/{webhook_token}"),
		rt("GET|PATCH|DELETE", "/webhooks/{webhook_id}/{webhook_token}/messages/{message_id}"),
	},
	"applications": {
		rt("GET|POST|PUT", "/applications/{application_id}/commands"),
		rt("GET|PATCH|DELETE", "/applications/{application_id}/commands/{command_id}"),
		rt("GET|POST|PUT", "/applications/{application_id}/guilds/{guild_id}/commands"),
		rt("GET|PATCH|DELETE", "/applications/{application_id}/guilds/{guild_id}/commands/{command_id}"),
	},
	"invites": {
		rt("GET|DELETE", "/invites/{invite_code}"),
	},
	"interactions": {
		rt("POST", "/interactions/{interaction_id}/{interaction_token}/callback"),
	},
	"stage-instances": {
		rt("POST", "/stage-instances"),
		rt("GET|PATCH|DELETE", "/stage-instances/{channel_id}"),
	},
	"voice": {
		rt("GET", "/voice/regions"),
	},
	"gateway": {
		rt("GET", "/gateway"),
		rt("GET", "/gateway/bot"),
	},
	"oauth2": {
		rt("GET", "/oauth2/applications/@me"),
	},
	"sticker-packs": {
		rt("GET", "/sticker-packs"),
		rt("GET", "/sticker-packs/{pack_id}"),
	},
}
