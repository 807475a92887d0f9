package journal

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"github.com/zfogg/sidechain-sub009/pkg/conn"
	"github.com/zfogg/sidechain-sub009/pkg/exception"
	"github.com/zfogg/sidechain-sub009/pkg/websocket"
)

const (
	defaultWriteTimeout = 3 * time.Second
	maxDetail           = 512
)

// Store persists what a client delivers. It is a websocket.Listener and
// writes synchronously on the callback goroutine.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
	now     func() time.Time
}

// Open migrates the journal tables on client's database.
func Open(client *conn.Client) (*Store, error) {
	if client == nil {
		return nil, exception.ErrNilInstance
	}
	return New(client.DB())
}

// New migrates the journal tables on db.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.AutoMigrate(&Entry{}, &Transition{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal")
	}
	return &Store{db: db, timeout: defaultWriteTimeout, now: time.Now}, nil
}

func (s *Store) OnMessage(msg websocket.Message) {
	entry := Entry{
		Epoch:      msg.Epoch,
		Kind:       msg.Kind.String(),
		KindRaw:    msg.KindRaw,
		MessageID:  msg.ID,
		Raw:        msg.Raw,
		Malformed:  msg.Err != nil,
		ReceivedAt: msg.ReceivedAt,
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = s.now()
	}
	if err := s.create(&entry); err != nil {
		logs.Warnf("journal: save message %s, err: %+v", entry.KindRaw, err)
	}
}

func (s *Store) OnStateChanged(state websocket.ConnectionState) {
	if err := s.create(&Transition{State: state.String(), At: s.now()}); err != nil {
		logs.Warnf("journal: save state %s, err: %+v", state, err)
	}
}

func (s *Store) OnError(err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	detail = truncate(detail, maxDetail)
	if e := s.create(&Transition{State: stateError, Detail: detail, At: s.now()}); e != nil {
		logs.Warnf("journal: save error, err: %+v", e)
	}
}

func (s *Store) create(value any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.db.WithContext(ctx).Create(value).Error
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "limit: %d", limit)
	}
	var entries []Entry
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "query recent messages")
	}
	return entries, nil
}

// ByEpoch returns the entries received on one connection, oldest first.
func (s *Store) ByEpoch(ctx context.Context, epoch uint64) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Where("epoch = ?", epoch).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, errors.Wrapf(err, "query epoch %d", epoch)
	}
	return entries, nil
}

// Transitions returns every recorded state change and error, oldest first.
func (s *Store) Transitions(ctx context.Context) ([]Transition, error) {
	var transitions []Transition
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&transitions).Error; err != nil {
		return nil, errors.Wrap(err, "query transitions")
	}
	return transitions, nil
}

// CountByKind groups the journal by message kind.
func (s *Store) CountByKind(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Kind  string
		Total int64
	}
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("kind, COUNT(*) AS total").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count by kind")
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Kind] = row.Total
	}
	return counts, nil
}

// Prune deletes entries received before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&Entry{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "prune messages")
	}
	return result.RowsAffected, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
