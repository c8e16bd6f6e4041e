package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Defaults used when a push payload carries nothing usable.
const (
	DefaultTitle = "Hifz Keeper"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
	DefaultTag   = "hifz-notification"
	DefaultURL   = "/"
)

var defaultVibrate = []int{200, 100, 200}

type NotificationData struct {
	URL string `json:"url"`
}

// Notification is what gets displayed for a push message.
type Notification struct {
	Title              string           `json:"title"`
	Body               string           `json:"body"`
	Icon               string           `json:"icon"`
	Badge              string           `json:"badge"`
	Tag                string           `json:"tag"`
	Vibrate            []int            `json:"vibrate"`
	RequireInteraction bool             `json:"requireInteraction"`
	Data               NotificationData `json:"data"`
}

func DefaultNotification() Notification {
	return Notification{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     DefaultTag,
		Vibrate: append([]int(nil), defaultVibrate...),
		Data:    NotificationData{URL: DefaultURL},
	}
}

type pushPayload struct {
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Icon               string            `json:"icon"`
	Badge              string            `json:"badge"`
	Tag                string            `json:"tag"`
	Vibrate            []int             `json:"vibrate"`
	RequireInteraction bool              `json:"requireInteraction"`
	URL                string            `json:"url"`
	Data               *NotificationData `json:"data"`
}

// ParsePushPayload turns a raw push payload into a notification. A JSON
// object fills the fields it names over the defaults; a payload that is not
// JSON at all becomes the body; anything else, malformed JSON included,
// yields the defaults.
func ParsePushPayload(raw []byte) Notification {
	n := DefaultNotification()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return n
	}

	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil && text != "" {
			n.Body = text
		}
		return n
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var p pushPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return n
		}
		if p.Title != "" {
			n.Title = p.Title
		}
		if p.Body != "" {
			n.Body = p.Body
		}
		if p.Icon != "" {
			n.Icon = p.Icon
		}
		if p.Badge != "" {
			n.Badge = p.Badge
		}
		if p.Tag != "" {
			n.Tag = p.Tag
		}
		if len(p.Vibrate) > 0 {
			n.Vibrate = p.Vibrate
		}
		n.RequireInteraction = p.RequireInteraction
		switch {
		case p.Data != nil && p.Data.URL != "":
			n.Data.URL = p.Data.URL
		case p.URL != "":
			n.Data.URL = p.URL
		}
		return n
	}

	if utf8.Valid(trimmed) {
		n.Body = string(trimmed)
	}
	return n
}

// Opener opens a new application window at a URL.
type Opener interface {
	Open(ctx context.Context, target string) error
}

// sameOrigin reports whether raw points at origin.
func sameOrigin(raw string, origin *url.URL) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}
