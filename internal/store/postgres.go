package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/auxclash/auxclash-backend/internal/engine"
)

// Open connects to Postgres. TranslateError lets uniqueness violations
// surface as gorm.ErrDuplicatedKey regardless of driver.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Session{}, &Participant{}, &Deck{}, &Vote{})
}

// Postgres implements Store on a gorm connection.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

var liveStatuses = []engine.Status{engine.StatusWaiting, engine.StatusActive}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}

func (p *Postgres) CreateSession(ctx context.Context, sess *Session, host *Participant) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The partial unique index only guards concurrent creates; check
		// first so the common collision path doesn't burn a transaction.
		var n int64
		if err := tx.Model(&Session{}).
			Where("code = ? AND status IN ?", sess.Code, liveStatuses).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return gorm.ErrDuplicatedKey
		}
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		return tx.Create(host).Error
	})
	return translate(err)
}

func (p *Postgres) SessionByID(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := p.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (p *Postgres) SessionByCode(ctx context.Context, code string) (*Session, error) {
	var sess Session
	err := p.db.WithContext(ctx).
		Where("code = ? AND status IN ?", code, liveStatuses).
		First(&sess).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (p *Postgres) ActiveSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := p.db.WithContext(ctx).
		Where("status IN ?", liveStatuses).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, translate(err)
}

func (p *Postgres) UpdateSessionState(ctx context.Context, id string, status engine.Status, round int) error {
	res := p.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "current_round": round})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	// Dependent rows go via ON DELETE CASCADE.
	return translate(p.db.WithContext(ctx).Delete(&Session{}, "id = ?", id).Error)
}

func (p *Postgres) AddParticipant(ctx context.Context, part *Participant) error {
	return translate(p.db.WithContext(ctx).Create(part).Error)
}

func (p *Postgres) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	return translate(p.db.WithContext(ctx).
		Delete(&Participant{}, "session_id = ? AND user_id = ?", sessionID, userID).Error)
}

func (p *Postgres) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	var parts []Participant
	err := p.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&parts).Error
	return parts, translate(err)
}

func (p *Postgres) SaveDeckDraft(ctx context.Context, d *Deck) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Deck
		err := tx.First(&existing, "session_id = ? AND user_id = ?", d.SessionID, d.UserID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			d.Submitted = false
			return tx.Create(d).Error
		case err != nil:
			return err
		case existing.Submitted:
			return gorm.ErrDuplicatedKey
		}
		return tx.Model(&Deck{}).
			Where("session_id = ? AND user_id = ?", d.SessionID, d.UserID).
			Updates(map[string]any{"track_ids": d.TrackIDs, "updated_at": time.Now()}).Error
	})
	return translate(err)
}

func (p *Postgres) SubmitDeck(ctx context.Context, sessionID, userID string, trackIDs []string, seq int) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Deck
		err := tx.First(&existing, "session_id = ? AND user_id = ?", sessionID, userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&Deck{
				SessionID:    sessionID,
				UserID:       userID,
				TrackIDs:     slices.Clone(trackIDs),
				Submitted:    true,
				SubmittedSeq: seq,
			}).Error
		case err != nil:
			return err
		case existing.Submitted:
			return gorm.ErrDuplicatedKey
		}
		return tx.Model(&Deck{}).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Updates(map[string]any{
				"track_ids":     trackIDs,
				"submitted":     true,
				"submitted_seq": seq,
			}).Error
	})
	return translate(err)
}

func (p *Postgres) DeckFor(ctx context.Context, sessionID, userID string) (*Deck, error) {
	var d Deck
	err := p.db.WithContext(ctx).First(&d, "session_id = ? AND user_id = ?", sessionID, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (p *Postgres) Decks(ctx context.Context, sessionID string) ([]Deck, error) {
	var decks []Deck
	err := p.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("submitted_seq ASC").
		Find(&decks).Error
	return decks, translate(err)
}

func (p *Postgres) CreateVote(ctx context.Context, v *Vote) error {
	return translate(p.db.WithContext(ctx).Create(v).Error)
}

func (p *Postgres) Votes(ctx context.Context, sessionID string, round int) ([]Vote, error) {
	var votes []Vote
	err := p.db.WithContext(ctx).
		Where("session_id = ? AND round = ?", sessionID, round).
		Find(&votes).Error
	return votes, translate(err)
}

func (p *Postgres) FinishRound(ctx context.Context, sessionID, winnerID string, delta int, status engine.Status, round int) error {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if winnerID != "" && delta > 0 {
			// A winner who left before the write lands simply gets no credit;
			// the round still closes.
			res := tx.Model(&Participant{}).
				Where("session_id = ? AND user_id = ?", sessionID, winnerID).
				Update("score", gorm.Expr("score + ?", delta))
			if res.Error != nil {
				return res.Error
			}
		}
		return tx.Model(&Session{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{"status": status, "current_round": round}).Error
	})
	return translate(err)
}
