// Package store persists the peers this node has chatted with and the
// messages exchanged with them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rudransh-shrivastava/peer-chat/internal/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPeerNotFound = errors.New("peer not found")

// PeerRepository defines known peer operations.
type PeerRepository interface {
	TouchPeer(ctx context.Context, id, handle string, at time.Time) (db.KnownPeer, error)
	GetPeer(ctx context.Context, id string) (db.KnownPeer, error)
	GetPeers(ctx context.Context) ([]db.KnownPeer, error)
	FindPeers(ctx context.Context, query string) ([]db.KnownPeer, error)
}

// MessageRepository defines chat history operations.
type MessageRepository interface {
	AddMessage(ctx context.Context, peerID string, dir db.Direction, body string, at time.Time) (db.ChatMessage, error)
	GetMessages(ctx context.Context, peerID string, limit int) ([]db.ChatMessage, error)
	DeleteMessages(ctx context.Context, peerID string) error
}

type PeerStore struct {
	DB *gorm.DB
}

func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{DB: db}
}

// TouchPeer records a chat with id, creating the peer on first contact and
// updating its handle afterwards.
func (ps *PeerStore) TouchPeer(ctx context.Context, id, handle string, at time.Time) (db.KnownPeer, error) {
	p := db.KnownPeer{
		ID:          id,
		Handle:      handle,
		FirstSeenAt: at.Unix(),
		LastChatAt:  at.Unix(),
		ChatCount:   1,
	}
	err := ps.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"handle":       handle,
			"last_chat_at": at.Unix(),
			"chat_count":   gorm.Expr("chat_count + 1"),
		}),
	}).Create(&p).Error
	if err != nil {
		return db.KnownPeer{}, err
	}
	return ps.GetPeer(ctx, id)
}

func (ps *PeerStore) GetPeer(ctx context.Context, id string) (db.KnownPeer, error) {
	var p db.KnownPeer
	err := ps.DB.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.KnownPeer{}, ErrPeerNotFound
	}
	return p, err
}

// GetPeers returns every known peer, most recent chat first.
func (ps *PeerStore) GetPeers(ctx context.Context) ([]db.KnownPeer, error) {
	var peers []db.KnownPeer
	err := ps.DB.WithContext(ctx).Order("last_chat_at DESC").Order("id").Find(&peers).Error
	return peers, err
}

// FindPeers matches query against peer IDs by prefix and handles exactly.
func (ps *PeerStore) FindPeers(ctx context.Context, query string) ([]db.KnownPeer, error) {
	var peers []db.KnownPeer
	err := ps.DB.WithContext(ctx).
		Where("id LIKE ? OR handle = ?", query+"%", query).
		Order("last_chat_at DESC").
		Find(&peers).Error
	return peers, err
}

type MessageStore struct {
	DB *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{DB: db}
}

func (ms *MessageStore) AddMessage(ctx context.Context, peerID string, dir db.Direction, body string, at time.Time) (db.ChatMessage, error) {
	m := db.ChatMessage{
		PeerID:    peerID,
		Direction: dir,
		Body:      body,
		SentAt:    at.UnixMilli(),
	}
	if err := ms.DB.WithContext(ctx).Create(&m).Error; err != nil {
		return db.ChatMessage{}, err
	}
	return m, nil
}

// GetMessages returns the last limit messages with peerID in the order they
// were sent. A limit of zero or less returns everything.
func (ms *MessageStore) GetMessages(ctx context.Context, peerID string, limit int) ([]db.ChatMessage, error) {
	var msgs []db.ChatMessage
	q := ms.DB.WithContext(ctx).Where("peer_id = ?", peerID).Order("sent_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (ms *MessageStore) DeleteMessages(ctx context.Context, peerID string) error {
	return ms.DB.WithContext(ctx).Where("peer_id = ?", peerID).Delete(&db.ChatMessage{}).Error
}

var (
	_ PeerRepository    = (*PeerStore)(nil)
	_ MessageRepository = (*MessageStore)(nil)
)
