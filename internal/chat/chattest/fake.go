// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/models"
)

// ErrNotFound is returned for unknown channels and messages.
var ErrNotFound = chat.ErrNotFound

// Fake is an in-memory forum. Fields may be read after the code under
// test returns; use the helper methods while it runs.
type Fake struct {
	mu sync.Mutex

	forums      map[string]*models.Forum
	threads     map[string]*models.Thread
	threadOrder []string
	pins        map[string][]string
	messages    map[string][]models.Message

	// BlockPins makes PinnedMessages for these thread IDs wait until the
	// context is done.
	BlockPins map[string]bool
	// FailArchived makes every ArchivedThreads call fail.
	FailArchived bool

	SelfAuthor models.Author
	nextID     int

	ActiveCalls   int
	ArchivedCalls int
	PinCalls      int
	Dials         int
	Closes        int
	TagWrites     int
}

var _ chat.Session = (*Fake)(nil)
var _ chat.Dialer = (*Fake)(nil)

// New creates a fake holding one empty forum.
func New(forumID, guildID string) *Fake {
	return &Fake{
		forums: map[string]*models.Forum{
			forumID: {ID: forumID, GuildID: guildID, Name: "issues"},
		},
		threads:    make(map[string]*models.Thread),
		pins:       make(map[string][]string),
		messages:   make(map[string][]models.Message),
		BlockPins:  make(map[string]bool),
		SelfAuthor: models.Author{ID: "bot", Name: "bridge", Bot: true},
		nextID:     1000,
	}
}

func (f *Fake) newID() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

// AddTag adds a tag to a forum and returns its ID.
func (f *Fake) AddTag(forumID, name, emoji string) string {
	return f.AddForumTag(forumID, models.ForumTag{Name: name, Emoji: emoji})
}

// AddForumTag adds a fully specified tag to a forum and returns its ID.
func (f *Fake) AddForumTag(forumID string, tag models.ForumTag) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag.ID = f.newID()
	forum := f.forums[forumID]
	forum.Tags = append(forum.Tags, tag)
	return tag.ID
}

// AddThread inserts a thread with a starter message and optional pinned
// messages. The starter message is authored by author.
func (f *Fake) AddThread(thread models.Thread, author models.Author, starter string, pinned ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := thread
	f.threads[thread.ID] = &stored
	f.threadOrder = append(f.threadOrder, thread.ID)
	f.messages[thread.ID] = append(f.messages[thread.ID], models.Message{
		ID: thread.ID, ChannelID: thread.ID, Content: starter, Author: author,
	})
	for _, content := range pinned {
		id := f.newID()
		f.messages[thread.ID] = append(f.messages[thread.ID], models.Message{
			ID: id, ChannelID: thread.ID, Content: content, Author: f.SelfAuthor,
		})
		f.pins[thread.ID] = append(f.pins[thread.ID], id)
	}
}

// RemoveThread deletes a thread as if its channel were deleted.
func (f *Fake) RemoveThread(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
}

// ThreadSnapshot returns a copy of a thread's current state.
func (f *Fake) ThreadSnapshot(threadID string) (models.Thread, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return models.Thread{}, false
	}
	copied := *thread
	copied.AppliedTags = append([]string{}, thread.AppliedTags...)
	return copied, true
}

// ThreadIDs returns every thread ID in creation order.
func (f *Fake) ThreadIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.threadOrder {
		if _, ok := f.threads[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Messages returns every message in a channel, starter first.
func (f *Fake) Messages(channelID string) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message{}, f.messages[channelID]...)
}

// PinnedIDs returns the pinned message IDs of a thread.
func (f *Fake) PinnedIDs(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.pins[threadID]...)
}

// ForumSnapshot returns a copy of a forum.
func (f *Fake) ForumSnapshot(forumID string) *models.Forum {
	f.mu.Lock()
	defer f.mu.Unlock()
	forum := *f.forums[forumID]
	forum.Tags = append([]models.ForumTag{}, forum.Tags...)
	return &forum
}

// Dial returns the fake itself.
func (f *Fake) Dial(ctx context.Context) (chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dials++
	return f, nil
}

// Close counts session teardowns.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closes++
	return nil
}

func (f *Fake) Forum(ctx context.Context, forumID string) (*models.Forum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	forum, ok := f.forums[forumID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *forum
	copied.Tags = append([]models.ForumTag{}, forum.Tags...)
	return &copied, nil
}

func (f *Fake) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, ok := f.ThreadSnapshot(threadID)
	if !ok {
		return nil, ErrNotFound
	}
	return &thread, nil
}

func (f *Fake) ActiveThreads(ctx context.Context, forumID string) ([]models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ActiveCalls++
	var threads []models.Thread
	for _, id := range f.threadOrder {
		thread, ok := f.threads[id]
		if ok && thread.ParentID == forumID && !thread.Archived {
			threads = append(threads, *thread)
		}
	}
	return threads, nil
}

func (f *Fake) ArchivedThreads(ctx context.Context, forumID string, before time.Time, limit int) (models.ThreadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ArchivedCalls++
	if f.FailArchived {
		return models.ThreadPage{}, fmt.Errorf("chattest: archived threads unavailable")
	}

	var archived []models.Thread
	for _, id := range f.threadOrder {
		thread, ok := f.threads[id]
		if !ok || thread.ParentID != forumID || !thread.Archived {
			continue
		}
		if !before.IsZero() && !thread.ArchivedAt.Before(before) {
			continue
		}
		archived = append(archived, *thread)
	}
	sort.SliceStable(archived, func(i, j int) bool { return archived[i].ArchivedAt.After(archived[j].ArchivedAt) })

	page := models.ThreadPage{Threads: archived}
	if len(archived) > limit {
		page.Threads = archived[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (f *Fake) PinnedMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	f.mu.Lock()
	f.PinCalls++
	blocked := f.BlockPins[threadID]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	var pinned []models.Message
	for _, id := range f.pins[threadID] {
		for _, message := range f.messages[threadID] {
			if message.ID == id {
				pinned = append(pinned, message)
			}
		}
	}
	return pinned, nil
}

func (f *Fake) Message(ctx context.Context, channelID, messageID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages[channelID] {
		if message.ID == messageID {
			copied := message
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (f *Fake) CreateThread(ctx context.Context, forumID, name, content string, tagIDs []string) (*models.Thread, error) {
	f.mu.Lock()
	forum, ok := f.forums[forumID]
	if !ok {
		f.mu.Unlock()
		return nil, ErrNotFound
	}
	id := f.newID()
	thread := models.Thread{
		ID:          id,
		ParentID:    forumID,
		GuildID:     forum.GuildID,
		Name:        chat.Truncate(name, chat.MaxThreadNameLength),
		AppliedTags: append([]string{}, tagIDs...),
	}
	f.mu.Unlock()

	f.AddThread(thread, f.SelfAuthor, chat.Truncate(content, chat.MaxMessageLength))
	return &thread, nil
}

func (f *Fake) SendMessage(ctx context.Context, channelID, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	// Discord unarchives a thread that receives a message.
	thread.Archived = false
	message := models.Message{
		ID:        f.newID(),
		ChannelID: channelID,
		Content:   chat.Truncate(content, chat.MaxMessageLength),
		Author:    f.SelfAuthor,
	}
	f.messages[channelID] = append(f.messages[channelID], message)
	return &message, nil
}

func (f *Fake) PinMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages[channelID] {
		if message.ID == messageID {
			f.pins[channelID] = append(f.pins[channelID], messageID)
			return nil
		}
	}
	return ErrNotFound
}

func (f *Fake) RenameThread(ctx context.Context, threadID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	thread.Name = name
	return nil
}

func (f *Fake) SetAppliedTags(ctx context.Context, threadID string, tagIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if len(tagIDs) > 5 {
		return fmt.Errorf("chattest: %d tags exceeds the thread limit", len(tagIDs))
	}
	thread.AppliedTags = append([]string{}, tagIDs...)
	return nil
}

func (f *Fake) SetAvailableTags(ctx context.Context, forumID string, tags []models.ForumTag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	forum, ok := f.forums[forumID]
	if !ok {
		return ErrNotFound
	}
	if len(tags) > 20 {
		return fmt.Errorf("chattest: %d tags exceeds the forum limit", len(tags))
	}
	f.TagWrites++
	updated := make([]models.ForumTag, 0, len(tags))
	for _, tag := range tags {
		if tag.ID == "" {
			tag.ID = f.newID()
		}
		updated = append(updated, tag)
	}
	forum.Tags = updated
	return nil
}
