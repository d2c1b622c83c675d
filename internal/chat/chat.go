// Package chat is the bridge's view of Discord: a forum channel, its
// threads, their pinned messages and tags.
//
// Client is implemented by Discord (discordgo over REST) and by
// chattest.Fake. A Session is a Client whose credentials must be
// released with Close; every sync handler runs inside exactly one.
package chat

import (
	"context"
	"time"

	"github.com/wesm/threadsync/internal/models"
)

// MaxMessageLength is Discord's per-message content limit.
const MaxMessageLength = 2000

// MaxThreadNameLength is Discord's thread name limit.
const MaxThreadNameLength = 100

// Client is the set of chat operations the bridge performs.
type Client interface {
	// Forum fetches a forum channel and its available tags.
	Forum(ctx context.Context, forumID string) (*models.Forum, error)
	// Thread fetches a thread by ID.
	Thread(ctx context.Context, threadID string) (*models.Thread, error)
	// ActiveThreads lists the forum's unarchived threads.
	ActiveThreads(ctx context.Context, forumID string) ([]models.Thread, error)
	// ArchivedThreads lists archived threads archived strictly before
	// the cursor, newest first. A zero cursor starts from now.
	ArchivedThreads(ctx context.Context, forumID string, before time.Time, limit int) (models.ThreadPage, error)
	// PinnedMessages lists a thread's pinned messages.
	PinnedMessages(ctx context.Context, threadID string) ([]models.Message, error)
	// Message fetches a single message.
	Message(ctx context.Context, channelID, messageID string) (*models.Message, error)

	// CreateThread starts a forum post. The starter message's ID is the
	// returned thread's ID.
	CreateThread(ctx context.Context, forumID, name, content string, tagIDs []string) (*models.Thread, error)
	SendMessage(ctx context.Context, channelID, content string) (*models.Message, error)
	PinMessage(ctx context.Context, channelID, messageID string) error
	RenameThread(ctx context.Context, threadID, name string) error
	SetAppliedTags(ctx context.Context, threadID string, tagIDs []string) error
	// SetAvailableTags replaces the forum's entire tag list.
	SetAvailableTags(ctx context.Context, forumID string, tags []models.ForumTag) error
}

// Session is an authenticated Client.
type Session interface {
	Client
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	// Dial authenticates and returns once the session is ready for use.
	Dial(ctx context.Context) (Session, error)
}

// MessageEvent is a new message in any channel.
type MessageEvent struct {
	Message models.Message
}

// ThreadCreateEvent is a new thread under a forum.
type ThreadCreateEvent struct {
	Thread models.Thread
}

// ThreadUpdateEvent is a change to a thread's metadata. Before is nil
// when the previous state was not known to the gateway.
type ThreadUpdateEvent struct {
	Before *models.Thread
	After  models.Thread
}

// EventHandler receives gateway events.
type EventHandler interface {
	HandleMessage(ctx context.Context, event MessageEvent)
	HandleThreadCreate(ctx context.Context, event ThreadCreateEvent)
	HandleThreadUpdate(ctx context.Context, event ThreadUpdateEvent)
}

// Truncate shortens s to at most limit runes, marking the cut with an
// ellipsis.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
