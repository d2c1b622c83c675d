package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
	"github.com/wesm/threadsync/internal/models"
)

// newTestDiscord points discordgo's channel endpoints at mux.
func newTestDiscord(t *testing.T, mux *http.ServeMux) *Discord {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	previous := discordgo.EndpointChannels
	discordgo.EndpointChannels = server.URL + "/channels/"
	t.Cleanup(func() { discordgo.EndpointChannels = previous })

	session, err := discordgo.New("Bot test-token")
	if err != nil {
		t.Fatalf("discordgo.New() error: %v", err)
	}
	session.Client = server.Client()
	return &Discord{session: session, selfID: "bot"}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, value interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestSetAvailableTagsRoundTripsForumTags(t *testing.T) {
	forum := map[string]interface{}{
		"id":       "f1",
		"guild_id": "g1",
		"name":     "support",
		"type":     discordgo.ChannelTypeGuildForum,
		"available_tags": []map[string]interface{}{
			{"id": "1", "name": "bug", "emoji_id": "999", "moderated": true},
			{"id": "2", "name": "widgets", "emoji_name": "📦"},
		},
	}

	var mu sync.Mutex
	var patched []discordgo.ForumTag
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/f1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(t, w, http.StatusOK, forum)
		case http.MethodPatch:
			var body struct {
				AvailableTags []discordgo.ForumTag `json:"available_tags"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decoding PATCH body: %v", err)
			}
			mu.Lock()
			patched = body.AvailableTags
			mu.Unlock()
			writeJSON(t, w, http.StatusOK, forum)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	})
	client := newTestDiscord(t, mux)
	ctx := context.Background()

	got, err := client.Forum(ctx, "f1")
	if err != nil {
		t.Fatalf("Forum() error: %v", err)
	}
	want := []models.ForumTag{
		{ID: "1", Name: "bug", EmojiID: "999", Moderated: true},
		{ID: "2", Name: "widgets", Emoji: "📦"},
	}
	if diff := cmp.Diff(want, got.Tags); diff != "" {
		t.Errorf("Forum() tags mismatch (-want +got):\n%s", diff)
	}

	updated := append(got.Tags, models.ForumTag{Name: "new"})
	if err := client.SetAvailableTags(ctx, "f1", updated); err != nil {
		t.Fatalf("SetAvailableTags() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	wantPatch := []discordgo.ForumTag{
		{ID: "1", Name: "bug", EmojiID: "999", Moderated: true},
		{ID: "2", Name: "widgets", EmojiName: "📦"},
		{Name: "new"},
	}
	if diff := cmp.Diff(wantPatch, patched); diff != "" {
		t.Errorf("PATCH available_tags mismatch (-want +got):\n%s", diff)
	}
}

func TestThreadNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]interface{}{"message": "Unknown Channel", "code": discordgo.ErrCodeUnknownChannel})
	})
	client := newTestDiscord(t, mux)

	_, err := client.Thread(context.Background(), "missing")
	if err == nil {
		t.Fatal("Thread() succeeded for a missing channel")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
}

func TestSendMessageTruncates(t *testing.T) {
	var sent string
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/t1/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding message: %v", err)
		}
		sent = body.Content
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"id": "m1", "channel_id": "t1", "content": body.Content,
			"author": map[string]interface{}{"id": "bot", "username": "bridge", "bot": true},
		})
	})
	client := newTestDiscord(t, mux)

	message, err := client.SendMessage(context.Background(), "t1", strings.Repeat("x", MaxMessageLength+50))
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if n := len([]rune(sent)); n != MaxMessageLength {
		t.Errorf("sent %d runes, want %d", n, MaxMessageLength)
	}
	if message.ID != "m1" || !message.Author.Bot {
		t.Errorf("SendMessage() = %+v", message)
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("wrapped: %w", ErrNotFound), true},
		{"http 404", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}, true},
		{"unknown message code", fmt.Errorf("fetch: %w", &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusBadRequest},
			Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeUnknownMessage},
		}), true},
		{"forbidden", &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusForbidden},
			Message:  &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingAccess},
		}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"too long", 5, "too …"},
		{"héllo wörld", 6, "héllo…"},
		{"ab", 1, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Truncate(tt.in, tt.limit); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}

func TestConvertThread(t *testing.T) {
	archivedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		channel *discordgo.Channel
		want    models.Thread
	}{
		{
			name: "active",
			channel: &discordgo.Channel{
				ID: "t1", ParentID: "f1", GuildID: "g1", Name: "Crash", OwnerID: "u1",
				AppliedTags: []string{"1", "2"},
			},
			want: models.Thread{ID: "t1", ParentID: "f1", GuildID: "g1", Name: "Crash", OwnerID: "u1", AppliedTags: []string{"1", "2"}},
		},
		{
			name: "archived",
			channel: &discordgo.Channel{
				ID: "t2", ParentID: "f1",
				ThreadMetadata: &discordgo.ThreadMetadata{Archived: true, ArchiveTimestamp: archivedAt},
			},
			want: models.Thread{ID: "t2", ParentID: "f1", AppliedTags: []string{}, Archived: true, ArchivedAt: archivedAt},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ConvertThread(tt.channel)); diff != "" {
				t.Errorf("ConvertThread() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConvertMessage(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	message := &discordgo.Message{
		ID: "m1", ChannelID: "t1", Content: "see screenshot", Timestamp: sentAt,
		Author:      &discordgo.User{ID: "u1", Username: "bob"},
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn.example/a.png"}},
	}
	want := models.Message{
		ID: "m1", ChannelID: "t1", Content: "see screenshot", Timestamp: sentAt,
		Author:      models.Author{ID: "u1", Name: "bob"},
		Attachments: []string{"https://cdn.example/a.png"},
	}
	if diff := cmp.Diff(want, ConvertMessage(message)); diff != "" {
		t.Errorf("ConvertMessage() mismatch (-want +got):\n%s", diff)
	}

	if got := ConvertMessage(&discordgo.Message{ID: "m2"}); got.Author != (models.Author{}) {
		t.Errorf("ConvertMessage() without author = %+v", got.Author)
	}
}
