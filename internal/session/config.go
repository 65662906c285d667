// Package session owns the media session: capability negotiation, the
// tier ladder (avatar, networked speech, local synthesis), background
// upgrades and the single-writer session state.
package session

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/alvyn-tbh/buddy-companion-sub001/internal/errors"
)

// TierKind is a capability level. Higher is richer.
type TierKind uint8

const (
	TierNone TierKind = iota
	TierLocal
	TierNetworkedSpeech
	TierAvatar
)

var tierNames = [...]string{"none", "local", "networked-speech", "avatar"}

func (k TierKind) String() string {
	if int(k) < len(tierNames) {
		return tierNames[k]
	}
	return fmt.Sprintf("tier(%d)", k)
}

// MarshalText encodes the tier by name.
func (k TierKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText accepts tier names.
func (k *TierKind) UnmarshalText(b []byte) error {
	t, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*k = t
	return nil
}

// ParseTier parses a tier name as written in configuration.
func ParseTier(s string) (TierKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "avatar":
		return TierAvatar, nil
	case "networked-speech", "networked", "speech":
		return TierNetworkedSpeech, nil
	case "local":
		return TierLocal, nil
	}
	return TierNone, apperrors.Newf(apperrors.KindConfig, "unknown tier %q", s)
}

// SessionConfig is immutable for a session; changing it means Reconfigure.
type SessionConfig struct {
	Tier       TierKind `json:"tier"` // preferred tier, also the ceiling
	Persona    string   `json:"persona"`
	Style      string   `json:"style"`
	Voice      string   `json:"voice"`
	LocalVoice string   `json:"localVoice"`
	Language   string   `json:"language"`
	Background string   `json:"background"`
	Rate       string   `json:"rate"`
	Pitch      string   `json:"pitch"`
	Volume     string   `json:"volume"`
}

// DefaultConfig returns the standard persona.
func DefaultConfig() SessionConfig {
	return SessionConfig{
		Tier:       TierAvatar,
		Persona:    "lisa",
		Style:      "casual-sitting",
		Voice:      "en-US-JennyNeural",
		LocalVoice: "en-us",
		Language:   "en-US",
		Background: "white",
		Rate:       "+0%",
		Pitch:      "+0%",
		Volume:     "+0%",
	}
}

// Validate rejects configurations no tier can serve.
func (c SessionConfig) Validate() error {
	if c.Tier < TierLocal || c.Tier > TierAvatar {
		return apperrors.Newf(apperrors.KindConfig, "invalid tier preference %d", c.Tier)
	}
	if c.Tier >= TierNetworkedSpeech && c.Voice == "" {
		return apperrors.New(apperrors.KindConfig, "networked tiers need a voice")
	}
	if c.Tier == TierAvatar && c.Persona == "" {
		return apperrors.New(apperrors.KindConfig, "avatar tier needs a persona")
	}
	return nil
}

// Merge overlays the non-zero fields of partial, as sent by a UI
// reconfigure message.
func (c SessionConfig) Merge(partial json.RawMessage) (SessionConfig, error) {
	out := c
	if err := json.Unmarshal(partial, &out); err != nil {
		return c, apperrors.Wrap(err, apperrors.KindConfig, "invalid session config")
	}
	return out, out.Validate()
}
