package store

import (
	"time"

	"github.com/auxclash/auxclash-backend/internal/engine"
)

// Session is the durable record of one game. The code is only required to be
// unique among non-terminal sessions, hence the partial unique index.
type Session struct {
	ID               string        `gorm:"primaryKey;size:36"`
	Code             string        `gorm:"size:6;not null;index;uniqueIndex:idx_sessions_live_code,where:status IN ('waiting','active')"`
	Name             string        `gorm:"size:255;not null"`
	HostID           string        `gorm:"size:64;not null;index"`
	MaxPlayers       int           `gorm:"not null;default:8"`
	RoundDurationSec int           `gorm:"not null;default:30"`
	DeckSize         int           `gorm:"not null"`
	CurrentRound     int           `gorm:"not null;default:0"`
	Status           engine.Status `gorm:"size:16;not null;index"`
	ArtistID         string        `gorm:"size:64;not null"`
	ArtistName       string        `gorm:"size:255;not null"`
	ArtistImageURL   string        `gorm:"size:512"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Participants []Participant `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Decks        []Deck        `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Votes        []Vote        `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

type Participant struct {
	SessionID string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"primaryKey;size:64"`
	IsHost    bool   `gorm:"not null;default:false"`
	Score     int    `gorm:"not null;default:0"`
	JoinedAt  time.Time
}

type Deck struct {
	SessionID string   `gorm:"primaryKey;size:36"`
	UserID    string   `gorm:"primaryKey;size:64"`
	TrackIDs  []string `gorm:"serializer:json;not null"`
	Submitted bool     `gorm:"not null;default:false"`
	// SubmittedSeq is the per-session submission order, assigned when the
	// deck is frozen. Zero while the deck is a draft.
	SubmittedSeq int `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Vote struct {
	SessionID string `gorm:"primaryKey;size:36"`
	Round     int    `gorm:"primaryKey"`
	VoterID   string `gorm:"primaryKey;size:64"`
	TrackID   string `gorm:"size:64;not null"`
	OwnerID   string `gorm:"size:64;not null"`
	CreatedAt time.Time
}
