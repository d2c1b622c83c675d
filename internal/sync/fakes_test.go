package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/cache"
	"github.com/wesm/threadsync/internal/chat/chattest"
	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/marker"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/tags"
)

const (
	forumID  = "forum"
	botLogin = "bridge-bot"
)

var (
	repo  = models.RepoRef{Owner: "acme", Name: "widgets"}
	human = models.Author{ID: "100", Name: "alice"}
	epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

// fakeTracker is an in-memory GitHub.
type fakeTracker struct {
	mu          sync.Mutex
	issues      map[string]*models.Issue
	repoLabels  map[string]map[string]bool
	comments    map[string][]*models.Comment
	nextIssue   int
	nextComment int64

	addedLabels   []string
	removedLabels []string
	createdIssues []*models.Issue
	states        []string
	edits         int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issues:      make(map[string]*models.Issue),
		repoLabels:  make(map[string]map[string]bool),
		comments:    make(map[string][]*models.Comment),
		nextIssue:   500,
		nextComment: 9000,
	}
}

func issueKey(repo models.RepoRef, number int) string {
	return fmt.Sprintf("%s#%d", strings.ToLower(repo.String()), number)
}

func (f *fakeTracker) addIssue(repo models.RepoRef, issue models.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue.State == "" {
		issue.State = "open"
	}
	f.issues[issueKey(repo, issue.Number)] = &issue
}

func (f *fakeTracker) addComment(repo models.RepoRef, number int, author, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComment++
	key := issueKey(repo, number)
	f.comments[key] = append(f.comments[key], &models.Comment{ID: f.nextComment, Author: author, Body: body})
}

func (f *fakeTracker) issue(repo models.RepoRef, number int) models.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := *f.issues[issueKey(repo, number)]
	issue.Labels = append([]string{}, issue.Labels...)
	return issue
}

func (f *fakeTracker) commentsFor(repo models.RepoRef, number int) []models.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var comments []models.Comment
	for _, comment := range f.comments[issueKey(repo, number)] {
		comments = append(comments, *comment)
	}
	return comments
}

func (f *fakeTracker) GetIssue(ctx context.Context, repo models.RepoRef, number int) (*models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueKey(repo, number)]
	if !ok {
		return nil, fmt.Errorf("failed to get issue: %w", api.ErrNotFound)
	}
	copied := *issue
	copied.Labels = append([]string{}, issue.Labels...)
	return &copied, nil
}

func (f *fakeTracker) CreateIssue(ctx context.Context, repo models.RepoRef, title, body string, labels []string) (*models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &models.Issue{Number: f.nextIssue, Title: title, Body: body, State: "open", Labels: append([]string{}, labels...)}
	f.issues[issueKey(repo, issue.Number)] = issue
	f.createdIssues = append(f.createdIssues, issue)
	copied := *issue
	return &copied, nil
}

func (f *fakeTracker) SetIssueState(ctx context.Context, repo models.RepoRef, number int, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueKey(repo, number)]
	if !ok {
		return api.ErrNotFound
	}
	issue.State = state
	f.states = append(f.states, state)
	return nil
}

func (f *fakeTracker) AddLabels(ctx context.Context, repo models.RepoRef, number int, labels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueKey(repo, number)]
	if !ok {
		return api.ErrNotFound
	}
	for _, label := range labels {
		f.addedLabels = append(f.addedLabels, label)
		if !issue.HasLabel(label) {
			issue.Labels = append(issue.Labels, label)
		}
	}
	return nil
}

func (f *fakeTracker) RemoveLabel(ctx context.Context, repo models.RepoRef, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedLabels = append(f.removedLabels, label)
	issue, ok := f.issues[issueKey(repo, number)]
	if !ok || !issue.HasLabel(label) {
		return fmt.Errorf("failed to remove label: %w", api.ErrNotFound)
	}
	var kept []string
	for _, existing := range issue.Labels {
		if !strings.EqualFold(existing, label) {
			kept = append(kept, existing)
		}
	}
	issue.Labels = kept
	return nil
}

func (f *fakeTracker) GetLabel(ctx context.Context, repo models.RepoRef, name string) (*models.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repoLabels[issueKey(repo, 0)][strings.ToLower(name)] {
		return nil, fmt.Errorf("failed to get label: %w", api.ErrNotFound)
	}
	return &models.Label{Name: name}, nil
}

func (f *fakeTracker) CreateLabel(ctx context.Context, repo models.RepoRef, name, color string) (*models.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := issueKey(repo, 0)
	if f.repoLabels[key] == nil {
		f.repoLabels[key] = make(map[string]bool)
	}
	f.repoLabels[key][strings.ToLower(name)] = true
	return &models.Label{Name: name, Color: color}, nil
}

func (f *fakeTracker) CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextComment++
	comment := &models.Comment{ID: f.nextComment, Author: botLogin, Body: body}
	key := issueKey(repo, number)
	f.comments[key] = append(f.comments[key], comment)
	copied := *comment
	return &copied, nil
}

func (f *fakeTracker) EditComment(ctx context.Context, repo models.RepoRef, commentID int64, body string) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, comments := range f.comments {
		for _, comment := range comments {
			if comment.ID == commentID {
				comment.Body = body
				f.edits++
				copied := *comment
				return &copied, nil
			}
		}
	}
	return nil, api.ErrNotFound
}

func (f *fakeTracker) LastComment(ctx context.Context, repo models.RepoRef, number int) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comments := f.comments[issueKey(repo, number)]
	if len(comments) == 0 {
		return nil, nil
	}
	copied := *comments[len(comments)-1]
	return &copied, nil
}

func (f *fakeTracker) IssueTitle(ctx context.Context, repo models.RepoRef, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[issueKey(repo, number)]
	if !ok {
		return "", api.ErrNotFound
	}
	return issue.Title, nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	chat       *chattest.Fake
	tracker    *fakeTracker
	cache      *cache.Cache
	logs       *syncBuffer
	clock      *clock.FakeClock
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fake := chattest.New(forumID, "guild")
	tracker := newFakeTracker()
	store := cache.NewFileStore(filepath.Join(t.TempDir(), "threads.json"))
	threadCache := cache.New(store, clock.Fake(epoch), time.Second, logger)

	settings := Settings{
		ForumID:     forumID,
		DefaultRepo: repo,
		BotLogin:    botLogin,
		Policy:      tags.DefaultPolicy(repo),
	}
	clk := clock.Fake(epoch)
	return &harness{
		chat:       fake,
		tracker:    tracker,
		cache:      threadCache,
		logs:       logs,
		clock:      clk,
		dispatcher: NewDispatcher(settings, StaticTrackers{Client: tracker}, fake, threadCache, clk, logger),
	}
}

// addSyncedThread creates a thread mirroring issue number, with the
// marker pinned, and registers the issue as synced.
func (h *harness) addSyncedThread(threadID string, number int, title string, tagIDs ...string) {
	h.chat.AddThread(models.Thread{ID: threadID, ParentID: forumID, GuildID: "guild", Name: title, AppliedTags: tagIDs},
		h.chat.SelfAuthor, "seed", marker.Format(number, repo))
	h.tracker.addIssue(repo, models.Issue{Number: number, Title: title, Labels: []string{tags.DefaultSyncLabel}})
}

func (h *harness) issueEvent(kind Kind, number int) Event {
	issue := h.tracker.issue(repo, number)
	return Event{Kind: kind, Repo: repo, InstallationID: 1, Actor: "carol", Issue: &issue}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
