package session

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store archives closed sessions to SQLite so transcripts survive eviction.
// Live turn state never touches the database; the flashcard service remains
// the system of record for card state.
type Store struct {
	db *gorm.DB
}

type ArchivedSession struct {
	ID            string `gorm:"primaryKey"`
	Language      string
	Level         string
	DeckName      string
	LearningGoals string
	FinalNode     string
	TurnCount     int
	CreatedAt     time.Time
	ClosedAt      time.Time
}

type ArchivedMessage struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

type ArchivedAssessment struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"index"`
	Seq         int
	CardID      int64
	Meaning     int
	Usage       int
	Naturalness int
	Overall     int
	Feedback    string
	CreatedAt   time.Time
}

func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := db.AutoMigrate(&ArchivedSession{}, &ArchivedMessage{}, &ArchivedAssessment{}); err != nil {
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Archive(sc *Context) error {
	sc.Lock()
	defer sc.Unlock()

	rec := ArchivedSession{
		ID:            sc.ID,
		Language:      sc.Language,
		Level:         sc.Level,
		DeckName:      sc.DeckName,
		LearningGoals: sc.LearningGoals,
		FinalNode:     string(sc.Node),
		TurnCount:     sc.TurnCount,
		CreatedAt:     sc.CreatedAt,
		ClosedAt:      time.Now(),
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		for i, msg := range sc.History {
			row := ArchivedMessage{
				ID:        msg.ID,
				SessionID: sc.ID,
				Seq:       i,
				Role:      string(msg.Role),
				Content:   msg.Content,
				CreatedAt: msg.Timestamp,
			}
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("save message %d: %w", i, err)
			}
		}
		for i, a := range sc.Assessments {
			row := ArchivedAssessment{
				SessionID:   sc.ID,
				Seq:         i,
				CardID:      a.CardID,
				Meaning:     a.Meaning,
				Usage:       a.Usage,
				Naturalness: a.Naturalness,
				Overall:     a.Overall,
				Feedback:    a.Feedback,
				CreatedAt:   a.Timestamp,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("save assessment %d: %w", i, err)
			}
		}
		return nil
	})
}

// Transcript renders an archived session as plain text, one line per
// message in original order.
func (s *Store) Transcript(sessionID string) (string, error) {
	var msgs []ArchivedMessage
	if err := s.db.Where("session_id = ?", sessionID).Order("seq").Find(&msgs).Error; err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n",
			msg.CreatedAt.Format("2006-01-02 15:04:05"),
			strings.ToUpper(msg.Role),
			msg.Content))
	}
	return sb.String(), nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
