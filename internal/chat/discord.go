package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/wesm/threadsync/internal/models"
)

// ErrNotFound is returned by clients that detect a missing channel or
// message without a REST round trip.
var ErrNotFound = errors.New("chat: not found")

// IsNotFound reports whether err is a Discord 404 or an unknown
// channel/message error.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return true
	}
	return restErr.Message != nil &&
		(restErr.Message.Code == discordgo.ErrCodeUnknownChannel || restErr.Message.Code == discordgo.ErrCodeUnknownMessage)
}

// DiscordDialer opens REST sessions authenticated with a bot token.
type DiscordDialer struct {
	Token string
}

// Dial creates a session and waits until Discord accepts its token.
func (d DiscordDialer) Dial(ctx context.Context) (Session, error) {
	session, err := discordgo.New("Bot " + d.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to authenticate discord session: %w", err)
	}

	return &Discord{session: session, selfID: self.ID}, nil
}

// Discord implements Session over discordgo's REST API.
type Discord struct {
	session *discordgo.Session
	selfID  string
}

// SelfID is the bot user's ID.
func (d *Discord) SelfID() string { return d.selfID }

// Close releases the session.
func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) Forum(ctx context.Context, forumID string) (*models.Forum, error) {
	channel, err := d.session.Channel(forumID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forum %s: %w", forumID, err)
	}
	return convertForum(channel), nil
}

func (d *Discord) Thread(ctx context.Context, threadID string) (*models.Thread, error) {
	channel, err := d.session.Channel(threadID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread %s: %w", threadID, err)
	}
	thread := ConvertThread(channel)
	return &thread, nil
}

func (d *Discord) ActiveThreads(ctx context.Context, forumID string) ([]models.Thread, error) {
	forum, err := d.session.Channel(forumID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forum %s: %w", forumID, err)
	}

	list, err := d.session.GuildThreadsActive(forum.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list active threads: %w", err)
	}

	var threads []models.Thread
	for _, channel := range list.Threads {
		if channel.ParentID == forumID {
			threads = append(threads, ConvertThread(channel))
		}
	}
	return threads, nil
}

func (d *Discord) ArchivedThreads(ctx context.Context, forumID string, before time.Time, limit int) (models.ThreadPage, error) {
	var cursor *time.Time
	if !before.IsZero() {
		cursor = &before
	}

	list, err := d.session.ThreadsArchived(forumID, cursor, limit, discordgo.WithContext(ctx))
	if err != nil {
		return models.ThreadPage{}, fmt.Errorf("failed to list archived threads: %w", err)
	}

	page := models.ThreadPage{HasMore: list.HasMore}
	for _, channel := range list.Threads {
		page.Threads = append(page.Threads, ConvertThread(channel))
	}
	return page, nil
}

func (d *Discord) PinnedMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	pinned, err := d.session.ChannelMessagesPinned(threadID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pinned messages in %s: %w", threadID, err)
	}

	messages := make([]models.Message, 0, len(pinned))
	for _, message := range pinned {
		messages = append(messages, ConvertMessage(message))
	}
	return messages, nil
}

func (d *Discord) Message(ctx context.Context, channelID, messageID string) (*models.Message, error) {
	message, err := d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	converted := ConvertMessage(message)
	return &converted, nil
}

func (d *Discord) CreateThread(ctx context.Context, forumID, name, content string, tagIDs []string) (*models.Thread, error) {
	channel, err := d.session.ForumThreadStartComplex(forumID,
		&discordgo.ThreadStart{
			Name:        Truncate(name, MaxThreadNameLength),
			AppliedTags: tagIDs,
		},
		&discordgo.MessageSend{Content: Truncate(content, MaxMessageLength)},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread in %s: %w", forumID, err)
	}
	thread := ConvertThread(channel)
	return &thread, nil
}

func (d *Discord) SendMessage(ctx context.Context, channelID, content string) (*models.Message, error) {
	message, err := d.session.ChannelMessageSend(channelID, Truncate(content, MaxMessageLength), discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to send message to %s: %w", channelID, err)
	}
	converted := ConvertMessage(message)
	return &converted, nil
}

func (d *Discord) PinMessage(ctx context.Context, channelID, messageID string) error {
	if err := d.session.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to pin message %s: %w", messageID, err)
	}
	return nil
}

func (d *Discord) RenameThread(ctx context.Context, threadID, name string) error {
	_, err := d.session.ChannelEdit(threadID, &discordgo.ChannelEdit{
		Name: Truncate(name, MaxThreadNameLength),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to rename thread %s: %w", threadID, err)
	}
	return nil
}

func (d *Discord) SetAppliedTags(ctx context.Context, threadID string, tagIDs []string) error {
	tags := append([]string{}, tagIDs...)
	_, err := d.session.ChannelEdit(threadID, &discordgo.ChannelEdit{
		AppliedTags: &tags,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to set tags on thread %s: %w", threadID, err)
	}
	return nil
}

func (d *Discord) SetAvailableTags(ctx context.Context, forumID string, tags []models.ForumTag) error {
	available := make([]discordgo.ForumTag, 0, len(tags))
	for _, tag := range tags {
		available = append(available, discordgo.ForumTag{
			ID:        tag.ID,
			Name:      tag.Name,
			Moderated: tag.Moderated,
			EmojiID:   tag.EmojiID,
			EmojiName: tag.Emoji,
		})
	}

	_, err := d.session.ChannelEdit(forumID, &discordgo.ChannelEdit{
		AvailableTags: &available,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to set forum tags on %s: %w", forumID, err)
	}
	return nil
}

func convertForum(channel *discordgo.Channel) *models.Forum {
	forum := &models.Forum{
		ID:      channel.ID,
		GuildID: channel.GuildID,
		Name:    channel.Name,
	}
	for _, tag := range channel.AvailableTags {
		forum.Tags = append(forum.Tags, models.ForumTag{
			ID:        tag.ID,
			Name:      tag.Name,
			Emoji:     tag.EmojiName,
			EmojiID:   tag.EmojiID,
			Moderated: tag.Moderated,
		})
	}
	return forum
}

// ConvertThread converts a discordgo thread channel to our model
func ConvertThread(channel *discordgo.Channel) models.Thread {
	thread := models.Thread{
		ID:          channel.ID,
		ParentID:    channel.ParentID,
		GuildID:     channel.GuildID,
		Name:        channel.Name,
		OwnerID:     channel.OwnerID,
		AppliedTags: append([]string{}, channel.AppliedTags...),
	}
	if channel.ThreadMetadata != nil {
		thread.Archived = channel.ThreadMetadata.Archived
		thread.ArchivedAt = channel.ThreadMetadata.ArchiveTimestamp
	}
	return thread
}

// ConvertMessage converts a discordgo message to our model
func ConvertMessage(message *discordgo.Message) models.Message {
	converted := models.Message{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		Content:   message.Content,
		Timestamp: message.Timestamp,
	}
	if message.Author != nil {
		converted.Author = models.Author{
			ID:   message.Author.ID,
			Name: message.Author.Username,
			Bot:  message.Author.Bot,
		}
	}
	for _, attachment := range message.Attachments {
		converted.Attachments = append(converted.Attachments, attachment.URL)
	}
	return converted
}
