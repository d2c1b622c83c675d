package tags

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/chat/chattest"
	"github.com/wesm/threadsync/internal/models"
)

const forumID = "forum"

var repo = models.RepoRef{Owner: "acme", Name: "widgets"}

func newMapper(t *testing.T) (*Mapper, *chattest.Fake) {
	t.Helper()
	fake := chattest.New(forumID, "guild")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMapper(fake, DefaultPolicy(repo), logger), fake
}

func TestIsStructural(t *testing.T) {
	policy := DefaultPolicy(repo)
	other := models.RepoRef{Owner: "acme", Name: "gadgets"}

	tests := []struct {
		name          string
		tag           string
		includeClosed bool
		extra         []models.RepoRef
		want          bool
	}{
		{"sync label", "Discord-Sync", false, nil, true},
		{"repo selector", "widgets", false, nil, true},
		{"unknown repo", "gadgets", false, nil, false},
		{"extra repo", "gadgets", false, []models.RepoRef{other}, true},
		{"closed in status context", "closed", true, nil, true},
		{"legacy closed", "closed-issue", true, nil, true},
		{"closed outside status context", "Closed", false, nil, false},
		{"user label", "bug", true, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.IsStructural(tt.tag, tt.includeClosed, tt.extra...); got != tt.want {
				t.Errorf("IsStructural(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestRepoTagNameOverride(t *testing.T) {
	policy := DefaultPolicy(repo)
	policy.RepoTagNames = map[string]string{"acme/widgets": "Widgets App"}

	if got := policy.RepoTagName(repo); got != "Widgets App" {
		t.Errorf("RepoTagName() = %q", got)
	}
	found, ok := policy.RepoForTag("widgets app")
	if !ok || !found.Equal(repo) {
		t.Errorf("RepoForTag() = %v, %v", found, ok)
	}
}

func TestEnsureTagFindsCaseInsensitively(t *testing.T) {
	mapper, fake := newMapper(t)
	id := fake.AddTag(forumID, "Bug", "")

	tag, err := mapper.EnsureTag(context.Background(), forumID, "bug", "")
	if err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	if tag == nil || tag.ID != id {
		t.Fatalf("EnsureTag() = %+v, want existing tag %s", tag, id)
	}
	if fake.TagWrites != 0 {
		t.Errorf("TagWrites = %d, want 0", fake.TagWrites)
	}
}

func TestEnsureTagUpdatesEmoji(t *testing.T) {
	mapper, fake := newMapper(t)
	id := fake.AddTag(forumID, "widgets", "")
	fake.AddTag(forumID, "bug", "")

	tag, err := mapper.EnsureTag(context.Background(), forumID, "widgets", "📦")
	if err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	want := &models.ForumTag{ID: id, Name: "widgets", Emoji: "📦"}
	if diff := cmp.Diff(want, tag); diff != "" {
		t.Errorf("EnsureTag() mismatch (-want +got):\n%s", diff)
	}
	if got := len(fake.ForumSnapshot(forumID).Tags); got != 2 {
		t.Errorf("forum has %d tags, want 2", got)
	}
}

func TestEnsureTagKeepsCustomEmojiAndModeration(t *testing.T) {
	mapper, fake := newMapper(t)
	custom := fake.AddForumTag(forumID, models.ForumTag{Name: "widgets", EmojiID: "999", Moderated: true})
	staff := fake.AddForumTag(forumID, models.ForumTag{Name: "staff", EmojiID: "555", Moderated: true})

	tag, err := mapper.EnsureTag(context.Background(), forumID, "widgets", "📦")
	if err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	want := &models.ForumTag{ID: custom, Name: "widgets", EmojiID: "999", Moderated: true}
	if diff := cmp.Diff(want, tag); diff != "" {
		t.Errorf("EnsureTag() mismatch (-want +got):\n%s", diff)
	}
	if fake.TagWrites != 0 {
		t.Errorf("TagWrites = %d, want custom emoji left alone", fake.TagWrites)
	}

	if _, err := mapper.EnsureTag(context.Background(), forumID, "enhancement", ""); err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	forum := fake.ForumSnapshot(forumID)
	if got := forum.TagByID(staff); got == nil || got.EmojiID != "555" || !got.Moderated {
		t.Errorf("existing tag after create = %+v, want emoji and moderation kept", got)
	}
}

func TestEnsureTagCreates(t *testing.T) {
	mapper, fake := newMapper(t)

	tag, err := mapper.EnsureTag(context.Background(), forumID, "enhancement", "")
	if err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	if tag == nil || tag.ID == "" || tag.Name != "enhancement" {
		t.Fatalf("EnsureTag() = %+v, want created tag with an ID", tag)
	}
	if fake.TagWrites != 1 {
		t.Errorf("TagWrites = %d, want 1", fake.TagWrites)
	}
}

func TestEnsureTagAtForumCeiling(t *testing.T) {
	mapper, fake := newMapper(t)
	for i := 0; i < MaxForumTags; i++ {
		fake.AddTag(forumID, fmt.Sprintf("tag-%d", i), "")
	}

	tag, err := mapper.EnsureTag(context.Background(), forumID, "one-too-many", "")
	if err != nil {
		t.Fatalf("EnsureTag() error = %v", err)
	}
	if tag != nil {
		t.Errorf("EnsureTag() = %+v, want nil at the ceiling", tag)
	}
	if fake.TagWrites != 0 {
		t.Errorf("TagWrites = %d, want 0", fake.TagWrites)
	}
}

func TestAddToThreadAtCeiling(t *testing.T) {
	mapper, fake := newMapper(t)
	var applied []string
	for i := 0; i < MaxThreadTags; i++ {
		applied = append(applied, fake.AddTag(forumID, fmt.Sprintf("tag-%d", i), ""))
	}
	extra := fake.AddTag(forumID, "sixth", "")
	fake.AddThread(models.Thread{ID: "t1", ParentID: forumID, AppliedTags: applied}, models.Author{ID: "u1"}, "hello")

	added, err := mapper.AddToThread(context.Background(), "t1", extra)
	if err != nil {
		t.Fatalf("AddToThread() error = %v", err)
	}
	if added {
		t.Error("AddToThread() = true, want skip at the ceiling")
	}
	thread, _ := fake.ThreadSnapshot("t1")
	if diff := cmp.Diff(applied, thread.AppliedTags); diff != "" {
		t.Errorf("applied tags changed (-want +got):\n%s", diff)
	}
}

func TestAddAndRemove(t *testing.T) {
	mapper, fake := newMapper(t)
	bug := fake.AddTag(forumID, "bug", "")
	fake.AddThread(models.Thread{ID: "t1", ParentID: forumID}, models.Author{ID: "u1"}, "hello")
	ctx := context.Background()

	if added, err := mapper.AddToThread(ctx, "t1", bug); err != nil || !added {
		t.Fatalf("AddToThread() = %v, %v", added, err)
	}
	if added, _ := mapper.AddToThread(ctx, "t1", bug); added {
		t.Error("second AddToThread() = true, want no-op")
	}
	if removed, err := mapper.RemoveFromThread(ctx, "t1", bug); err != nil || !removed {
		t.Fatalf("RemoveFromThread() = %v, %v", removed, err)
	}
	if removed, _ := mapper.RemoveFromThread(ctx, "t1", bug); removed {
		t.Error("second RemoveFromThread() = true, want no-op")
	}
}

func TestApplyTagsStopsAtCeiling(t *testing.T) {
	mapper, fake := newMapper(t)
	existing := []string{fake.AddTag(forumID, "a", ""), fake.AddTag(forumID, "b", ""), fake.AddTag(forumID, "c", "")}
	fake.AddThread(models.Thread{ID: "t1", ParentID: forumID, AppliedTags: existing}, models.Author{ID: "u1"}, "hello")
	d, e, f := fake.AddTag(forumID, "d", ""), fake.AddTag(forumID, "e", ""), fake.AddTag(forumID, "f", "")

	added, err := mapper.ApplyTags(context.Background(), "t1", []string{existing[0], d, e, f})
	if err != nil {
		t.Fatalf("ApplyTags() error = %v", err)
	}
	if diff := cmp.Diff([]string{d, e}, added); diff != "" {
		t.Errorf("ApplyTags() mismatch (-want +got):\n%s", diff)
	}
	thread, _ := fake.ThreadSnapshot("t1")
	if len(thread.AppliedTags) != MaxThreadTags {
		t.Errorf("thread has %d tags, want %d", len(thread.AppliedTags), MaxThreadTags)
	}
}

func TestTagsFromLabelsSkipsStructural(t *testing.T) {
	mapper, _ := newMapper(t)
	labels := []string{"discord-sync", "bug", "widgets", "Closed", "ui", "p1", "p2", "p3"}

	ids := mapper.TagsFromLabels(context.Background(), forumID, repo, labels, MaxLabelTags)
	if len(ids) != MaxLabelTags {
		t.Fatalf("TagsFromLabels() returned %d tags, want %d", len(ids), MaxLabelTags)
	}

	forum, _ := mapper.chat.Forum(context.Background(), forumID)
	got := mapper.LabelsFromTags(forum, ids, repo)
	if diff := cmp.Diff([]string{"bug", "ui", "p1", "p2"}, got); diff != "" {
		t.Errorf("LabelsFromTags() mismatch (-want +got):\n%s", diff)
	}
}

type fakeTracker struct {
	labels  map[string]bool
	getErr  error
	created []string
}

func (f *fakeTracker) GetLabel(ctx context.Context, repo models.RepoRef, name string) (*models.Label, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if !f.labels[name] {
		return nil, fmt.Errorf("failed to get label: %w", api.ErrNotFound)
	}
	return &models.Label{Name: name}, nil
}

func (f *fakeTracker) CreateLabel(ctx context.Context, repo models.RepoRef, name, color string) (*models.Label, error) {
	f.created = append(f.created, name)
	return &models.Label{Name: name, Color: color}, nil
}

func TestEnsureLabel(t *testing.T) {
	ctx := context.Background()

	t.Run("existing", func(t *testing.T) {
		tracker := &fakeTracker{labels: map[string]bool{"bug": true}}
		if name, err := EnsureLabel(ctx, tracker, repo, "bug"); err != nil || name != "bug" {
			t.Fatalf("EnsureLabel() = %q, %v", name, err)
		}
		if len(tracker.created) != 0 {
			t.Errorf("created = %v, want none", tracker.created)
		}
	})

	t.Run("missing", func(t *testing.T) {
		tracker := &fakeTracker{}
		if _, err := EnsureLabel(ctx, tracker, repo, "bug"); err != nil {
			t.Fatalf("EnsureLabel() error = %v", err)
		}
		if diff := cmp.Diff([]string{"bug"}, tracker.created); diff != "" {
			t.Errorf("created mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("other error", func(t *testing.T) {
		boom := errors.New("boom")
		tracker := &fakeTracker{getErr: boom}
		if _, err := EnsureLabel(ctx, tracker, repo, "bug"); !errors.Is(err, boom) {
			t.Fatalf("EnsureLabel() error = %v, want %v", err, boom)
		}
		if len(tracker.created) != 0 {
			t.Errorf("created = %v, want none", tracker.created)
		}
	})
}
