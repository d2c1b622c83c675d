package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Gateway holds the persistent Discord connection that push-delivers
// events for one forum. Events outside the forum and messages from
// bots are dropped before reaching the handler.
type Gateway struct {
	token   string
	forumID string
	handler EventHandler
	logger  *slog.Logger
}

// NewGateway creates a gateway listener for forumID.
func NewGateway(token, forumID string, handler EventHandler, logger *slog.Logger) *Gateway {
	return &Gateway{token: token, forumID: forumID, handler: handler, logger: logger}
}

// Run connects and delivers events until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	session, err := discordgo.New("Bot " + g.token)
	if err != nil {
		return fmt.Errorf("failed to create discord gateway session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, ready *discordgo.Ready) {
		g.logger.Info("discord gateway ready", "user", ready.User.Username, "forum_id", g.forumID)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.MessageCreate) {
		g.onMessage(ctx, sessionLookup(s), event)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.ThreadCreate) {
		g.onThreadCreate(ctx, event)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.ThreadUpdate) {
		g.onThreadUpdate(ctx, event)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	<-ctx.Done()

	if err := session.Close(); err != nil {
		g.logger.Warn("discord gateway close failed", "error", err)
	}
	return nil
}

// channelLookup resolves a channel by ID.
type channelLookup func(channelID string) (*discordgo.Channel, error)

// sessionLookup consults the session state cache before the REST API.
func sessionLookup(s *discordgo.Session) channelLookup {
	return func(channelID string) (*discordgo.Channel, error) {
		if channel, err := s.State.Channel(channelID); err == nil {
			return channel, nil
		}
		return s.Channel(channelID)
	}
}

func (g *Gateway) onMessage(ctx context.Context, lookup channelLookup, event *discordgo.MessageCreate) {
	if event.Message == nil || event.Author == nil || event.Author.Bot {
		return
	}
	if !g.inForum(lookup, event.ChannelID) {
		return
	}
	g.handler.HandleMessage(ctx, MessageEvent{Message: ConvertMessage(event.Message)})
}

func (g *Gateway) onThreadCreate(ctx context.Context, event *discordgo.ThreadCreate) {
	if event.Channel == nil || event.ParentID != g.forumID || !event.NewlyCreated {
		return
	}
	g.handler.HandleThreadCreate(ctx, ThreadCreateEvent{Thread: ConvertThread(event.Channel)})
}

func (g *Gateway) onThreadUpdate(ctx context.Context, event *discordgo.ThreadUpdate) {
	if event.Channel == nil || event.ParentID != g.forumID {
		return
	}
	update := ThreadUpdateEvent{After: ConvertThread(event.Channel)}
	if event.BeforeUpdate != nil {
		before := ConvertThread(event.BeforeUpdate)
		update.Before = &before
	}
	g.handler.HandleThreadUpdate(ctx, update)
}

// inForum reports whether a channel is a thread of the gateway's forum.
func (g *Gateway) inForum(lookup channelLookup, channelID string) bool {
	channel, err := lookup(channelID)
	if err != nil {
		g.logger.Debug("gateway: cannot resolve channel", "channel_id", channelID, "error", err)
		return false
	}
	return channel.ParentID == g.forumID && channel.IsThread()
}
