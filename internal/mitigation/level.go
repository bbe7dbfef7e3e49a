// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package mitigation defines the ordered mitigation tiers and the store
// holding the single active mitigation per actor.
package mitigation

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Level is an ordered mitigation tier. Higher values are stricter. The
// ordering underpins escalation, downgrade, and the monotonicity floor, so
// the numeric values must never be reordered.
type Level int

const (
	// None means no restriction.
	None Level = iota

	// Delay holds the request for a short jittered interval before
	// forwarding it.
	Delay

	// Captcha rejects the request with a challenge until a solved
	// challenge token is presented.
	Captcha

	// TemporaryBlock rejects all requests until the mitigation expires.
	TemporaryBlock

	// PermanentBan rejects all requests and never expires on its own.
	PermanentBan
)

var levelNames = map[Level]string{
	None:           "none",
	Delay:          "delay",
	Captcha:        "captcha",
	TemporaryBlock: "temporary_block",
	PermanentBan:   "permanent_ban",
}

var levelValues = map[string]Level{
	"none":            None,
	"delay":           Delay,
	"captcha":         Captcha,
	"temporary_block": TemporaryBlock,
	"permanent_ban":   PermanentBan,
}

// String returns the wire name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether the level is a known tier.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// Escalate returns the next stricter tier, capped at PermanentBan.
func (l Level) Escalate() Level {
	if l >= PermanentBan {
		return PermanentBan
	}
	return l + 1
}

// Downgrade returns the next milder tier, floored at None.
func (l Level) Downgrade() Level {
	if l <= None {
		return None
	}
	return l - 1
}

// ParseLevel parses a wire name into a Level.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelValues[s]; ok {
		return l, nil
	}
	return None, fmt.Errorf("unknown mitigation level %q", s)
}

// MarshalJSON encodes the level as its wire name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes the level from its wire name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// TTLPolicy holds the per-tier lifetimes used when a mitigation is
// committed. PermanentBan carries no TTL.
type TTLPolicy struct {
	Delay          time.Duration
	Captcha        time.Duration
	TemporaryBlock time.Duration
}

// For returns the lifetime for a tier. ok is false for tiers that do not
// expire (None carries no mitigation, PermanentBan never expires).
func (p TTLPolicy) For(l Level) (time.Duration, bool) {
	switch l {
	case Delay:
		return p.Delay, true
	case Captcha:
		return p.Captcha, true
	case TemporaryBlock:
		return p.TemporaryBlock, true
	default:
		return 0, false
	}
}
