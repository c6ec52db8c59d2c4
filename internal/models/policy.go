package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Policy is the set of restrictions enforced on a tablet. Each device owns a
// policy row seeded from the global policy at registration time.
type Policy struct {
	BlockedDomains     []string  `json:"blockedDomains"`
	AllowedApps        []string  `json:"allowedApps"`
	BlockedApps        []string  `json:"blockedApps"`
	ScreenshotInterval int       `json:"screenshotInterval"` // milliseconds
	KioskMode          bool      `json:"kioskMode"`
	UnlockPin          *string   `json:"-"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// MarshalJSON never exposes the unlock pin, only whether one is set.
func (p Policy) MarshalJSON() ([]byte, error) {
	type alias Policy
	return json.Marshal(struct {
		alias
		HasUnlockPin bool `json:"hasUnlockPin"`
	}{
		alias:        alias(p),
		HasUnlockPin: p.UnlockPin != nil && *p.UnlockPin != "",
	})
}

// DefaultGlobalPolicy is the policy the global singleton is seeded with on
// first access.
func DefaultGlobalPolicy() Policy {
	return Policy{
		BlockedDomains: []string{
			"facebook.com",
			"fb.com",
			"instagram.com",
			"tiktok.com",
			"twitter.com",
			"x.com",
			"snapchat.com",
			"whatsapp.com",
			"telegram.org",
			"discord.com",
			"reddit.com",
			"twitch.tv",
			"youtube.com/shorts",
			"pinterest.com",
		},
		AllowedApps: []string{
			"com.android.calculator2",
			"com.google.android.keep",
			"com.octoclass",
		},
		BlockedApps:        []string{},
		ScreenshotInterval: 60000,
		KioskMode:          true,
	}
}

// PolicyPatch is a partial policy update. Nil fields are left untouched.
// UnlockPin distinguishes absent (no change) from null (clear the pin) from
// a string (set the pin), so it is kept raw.
type PolicyPatch struct {
	BlockedDomains     *[]string       `json:"blockedDomains"`
	AllowedApps        *[]string       `json:"allowedApps"`
	BlockedApps        *[]string       `json:"blockedApps"`
	ScreenshotInterval *int            `json:"screenshotInterval"`
	KioskMode          *bool           `json:"kioskMode"`
	UnlockPin          json.RawMessage `json:"unlockPin"`
}

// Validate rejects patches no policy could accept.
func (p *PolicyPatch) Validate() error {
	if p.ScreenshotInterval != nil && *p.ScreenshotInterval < 1000 {
		return ErrInvalidPolicy("screenshotInterval must be at least 1000 milliseconds")
	}
	return nil
}

// Apply merges the patch into policy and reports whether anything changed.
func (p *PolicyPatch) Apply(policy *Policy) bool {
	changed := false
	if p.BlockedDomains != nil {
		policy.BlockedDomains = dedupe(*p.BlockedDomains)
		changed = true
	}
	if p.AllowedApps != nil {
		policy.AllowedApps = dedupe(*p.AllowedApps)
		changed = true
	}
	if p.BlockedApps != nil {
		policy.BlockedApps = dedupe(*p.BlockedApps)
		changed = true
	}
	if p.ScreenshotInterval != nil {
		policy.ScreenshotInterval = *p.ScreenshotInterval
		changed = true
	}
	if p.KioskMode != nil {
		policy.KioskMode = *p.KioskMode
		changed = true
	}
	if len(p.UnlockPin) > 0 {
		if bytes.Equal(p.UnlockPin, []byte("null")) {
			policy.UnlockPin = nil
		} else {
			var pin string
			if err := json.Unmarshal(p.UnlockPin, &pin); err == nil {
				policy.UnlockPin = &pin
			}
		}
		changed = true
	}
	return changed
}

// ErrInvalidPolicy represents a policy validation error
type ErrInvalidPolicy string

func (e ErrInvalidPolicy) Error() string {
	return string(e)
}

// AddToList appends value to list unless already present. The second return
// reports whether the value was added.
func AddToList(list []string, value string) ([]string, bool) {
	for _, v := range list {
		if v == value {
			return list, false
		}
	}
	return append(list, value), true
}

// RemoveFromList removes value from list. The second return reports whether
// the value was present.
func RemoveFromList(list []string, value string) ([]string, bool) {
	for i, v := range list {
		if v == value {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
