// Package tags translates between GitHub labels and Discord forum tags.
//
// Three kinds of tag are structural and never become labels: the sync
// marker, one repository selector per synced repository, and the
// closed-state tag. Everything else maps one label to one tag by
// case-insensitive name.
package tags

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/models"
)

// Discord limits.
const (
	MaxForumTags  = 20
	MaxThreadTags = 5
)

// MaxLabelTags is how many label-derived tags a new thread receives; one
// slot is kept for the repository selector.
const MaxLabelTags = MaxThreadTags - 1

// Default structural names.
const (
	DefaultSyncLabel           = "discord-sync"
	DefaultRepoTagEmoji        = "📦"
	DefaultClosedTagName       = "Closed"
	DefaultClosedTagEmoji      = "🔒"
	DefaultLegacyClosedTagName = "closed-issue"
	DefaultLabelColor          = "5865f2"
)

// Policy names the structural tags and labels.
type Policy struct {
	SyncLabel           string
	RepoTagEmoji        string
	ClosedTagName       string
	ClosedTagEmoji      string
	LegacyClosedTagName string
	// RepoTagNames overrides the selector tag name per repository,
	// keyed by lowercase owner/name.
	RepoTagNames map[string]string
	// Repositories are the synced repositories.
	Repositories []models.RepoRef
}

// DefaultPolicy returns the default structural names for repos.
func DefaultPolicy(repos ...models.RepoRef) Policy {
	return Policy{
		SyncLabel:           DefaultSyncLabel,
		RepoTagEmoji:        DefaultRepoTagEmoji,
		ClosedTagName:       DefaultClosedTagName,
		ClosedTagEmoji:      DefaultClosedTagEmoji,
		LegacyClosedTagName: DefaultLegacyClosedTagName,
		Repositories:        repos,
	}
}

// WithDefaults fills unset names from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	defaults := DefaultPolicy()
	if p.SyncLabel == "" {
		p.SyncLabel = defaults.SyncLabel
	}
	if p.RepoTagEmoji == "" {
		p.RepoTagEmoji = defaults.RepoTagEmoji
	}
	if p.ClosedTagName == "" {
		p.ClosedTagName = defaults.ClosedTagName
	}
	if p.ClosedTagEmoji == "" {
		p.ClosedTagEmoji = defaults.ClosedTagEmoji
	}
	if p.LegacyClosedTagName == "" {
		p.LegacyClosedTagName = defaults.LegacyClosedTagName
	}
	return p
}

// RepoTagName is the selector tag name for a repository.
func (p Policy) RepoTagName(repo models.RepoRef) string {
	if name, ok := p.RepoTagNames[strings.ToLower(repo.String())]; ok && name != "" {
		return name
	}
	return repo.Name
}

// RepoForTag returns the synced repository whose selector tag is name.
func (p Policy) RepoForTag(name string) (models.RepoRef, bool) {
	for _, repo := range p.Repositories {
		if strings.EqualFold(p.RepoTagName(repo), name) || strings.EqualFold(repo.Name, name) {
			return repo, true
		}
	}
	return models.RepoRef{}, false
}

// IsClosedTag reports whether name is the closed-state tag under its
// current or legacy name.
func (p Policy) IsClosedTag(name string) bool {
	return strings.EqualFold(name, p.ClosedTagName) ||
		(p.LegacyClosedTagName != "" && strings.EqualFold(name, p.LegacyClosedTagName))
}

// IsRepoTag reports whether name selects one of the synced repositories
// or extra.
func (p Policy) IsRepoTag(name string, extra ...models.RepoRef) bool {
	if _, ok := p.RepoForTag(name); ok {
		return true
	}
	for _, repo := range extra {
		if strings.EqualFold(p.RepoTagName(repo), name) || strings.EqualFold(repo.Name, name) {
			return true
		}
	}
	return false
}

// IsStructural reports whether a tag or label name is bridge metadata
// rather than user content. The closed-state tag counts only when
// includeClosed is set.
func (p Policy) IsStructural(name string, includeClosed bool, extra ...models.RepoRef) bool {
	if strings.EqualFold(name, p.SyncLabel) {
		return true
	}
	if includeClosed && p.IsClosedTag(name) {
		return true
	}
	return p.IsRepoTag(name, extra...)
}

// Tracker is the part of the GitHub client the mapper needs.
type Tracker interface {
	GetLabel(ctx context.Context, repo models.RepoRef, name string) (*models.Label, error)
	CreateLabel(ctx context.Context, repo models.RepoRef, name, color string) (*models.Label, error)
}

// EnsureLabel returns name after making sure the label exists in repo.
// Only a 404 triggers creation; other errors are returned.
func EnsureLabel(ctx context.Context, tracker Tracker, repo models.RepoRef, name string) (string, error) {
	if _, err := tracker.GetLabel(ctx, repo, name); err == nil {
		return name, nil
	} else if !api.IsNotFound(err) {
		return "", err
	}

	if _, err := tracker.CreateLabel(ctx, repo, name, DefaultLabelColor); err != nil {
		return "", fmt.Errorf("failed to create label %q: %w", name, err)
	}
	return name, nil
}

// Mapper applies tags to a forum and its threads.
type Mapper struct {
	chat   chat.Client
	policy Policy
	logger *slog.Logger
}

// NewMapper creates a mapper over a chat client.
func NewMapper(client chat.Client, policy Policy, logger *slog.Logger) *Mapper {
	return &Mapper{chat: client, policy: policy, logger: logger}
}

// Policy returns the mapper's structural names.
func (m *Mapper) Policy() Policy { return m.policy }

// EnsureTag finds or creates a forum tag by case-insensitive name and
// returns it as the forum now holds it. An emoji that differs from the
// existing tag's is rewritten in place, unless the tag carries a custom
// guild emoji. It returns nil, nil when the forum is full.
func (m *Mapper) EnsureTag(ctx context.Context, forumID, name, emoji string) (*models.ForumTag, error) {
	forum, err := m.chat.Forum(ctx, forumID)
	if err != nil {
		return nil, err
	}

	if existing := forum.TagByName(name); existing != nil {
		if emoji == "" || existing.EmojiID != "" || existing.Emoji == emoji {
			tag := *existing
			return &tag, nil
		}
		existing.Emoji = emoji
		if err := m.chat.SetAvailableTags(ctx, forumID, forum.Tags); err != nil {
			return nil, fmt.Errorf("failed to update emoji of tag %q: %w", name, err)
		}
		return m.refetch(ctx, forumID, name)
	}

	if len(forum.Tags) >= MaxForumTags {
		m.logger.Warn("forum tag limit reached, not creating tag",
			"forum_id", forumID, "tag", name, "limit", MaxForumTags)
		return nil, nil
	}

	updated := append(append([]models.ForumTag{}, forum.Tags...), models.ForumTag{Name: name, Emoji: emoji})
	if err := m.chat.SetAvailableTags(ctx, forumID, updated); err != nil {
		return nil, fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	return m.refetch(ctx, forumID, name)
}

func (m *Mapper) refetch(ctx context.Context, forumID, name string) (*models.ForumTag, error) {
	forum, err := m.chat.Forum(ctx, forumID)
	if err != nil {
		return nil, err
	}
	tag := forum.TagByName(name)
	if tag == nil {
		return nil, fmt.Errorf("tag %q missing from forum %s after update", name, forumID)
	}
	copied := *tag
	return &copied, nil
}

// RepoTag ensures the selector tag for repo.
func (m *Mapper) RepoTag(ctx context.Context, forumID string, repo models.RepoRef) (*models.ForumTag, error) {
	return m.EnsureTag(ctx, forumID, m.policy.RepoTagName(repo), m.policy.RepoTagEmoji)
}

// ClosedTag ensures the closed-state tag.
func (m *Mapper) ClosedTag(ctx context.Context, forumID string) (*models.ForumTag, error) {
	return m.EnsureTag(ctx, forumID, m.policy.ClosedTagName, m.policy.ClosedTagEmoji)
}

// AddToThread applies tagID unless the thread already has it or is at
// the per-thread limit. It reports whether the tag was applied.
func (m *Mapper) AddToThread(ctx context.Context, threadID, tagID string) (bool, error) {
	thread, err := m.chat.Thread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if thread.HasTag(tagID) {
		return false, nil
	}
	if len(thread.AppliedTags) >= MaxThreadTags {
		m.logger.Warn("thread tag limit reached, skipping tag",
			"thread_id", threadID, "tag_id", tagID, "limit", MaxThreadTags)
		return false, nil
	}

	tags := append(append([]string{}, thread.AppliedTags...), tagID)
	if err := m.chat.SetAppliedTags(ctx, threadID, tags); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFromThread removes tagID from the thread if present.
func (m *Mapper) RemoveFromThread(ctx context.Context, threadID, tagID string) (bool, error) {
	thread, err := m.chat.Thread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if !thread.HasTag(tagID) {
		return false, nil
	}

	tags := make([]string, 0, len(thread.AppliedTags))
	for _, applied := range thread.AppliedTags {
		if applied != tagID {
			tags = append(tags, applied)
		}
	}
	if err := m.chat.SetAppliedTags(ctx, threadID, tags); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyTags adds every tag in tagIDs the thread lacks in one update,
// stopping at the per-thread limit. It returns the IDs it added.
func (m *Mapper) ApplyTags(ctx context.Context, threadID string, tagIDs []string) ([]string, error) {
	thread, err := m.chat.Thread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	tags := append([]string{}, thread.AppliedTags...)
	var added []string
	for _, id := range tagIDs {
		if contains(tags, id) {
			continue
		}
		if len(tags) >= MaxThreadTags {
			m.logger.Warn("thread tag limit reached, skipping tag",
				"thread_id", threadID, "tag_id", id, "limit", MaxThreadTags)
			continue
		}
		tags = append(tags, id)
		added = append(added, id)
	}

	if len(added) == 0 {
		return nil, nil
	}
	if err := m.chat.SetAppliedTags(ctx, threadID, tags); err != nil {
		return nil, err
	}
	return added, nil
}

// TagsFromLabels ensures a forum tag for each non-structural label and
// returns up to limit tag IDs. Labels whose tag cannot be created are
// skipped.
func (m *Mapper) TagsFromLabels(ctx context.Context, forumID string, repo models.RepoRef, labels []string, limit int) []string {
	var ids []string
	for _, label := range labels {
		if len(ids) >= limit {
			break
		}
		if m.policy.IsStructural(label, true, repo) {
			continue
		}
		tag, err := m.EnsureTag(ctx, forumID, label, "")
		if err != nil {
			m.logger.Warn("failed to ensure tag for label", "label", label, "error", err)
			continue
		}
		if tag != nil && !contains(ids, tag.ID) {
			ids = append(ids, tag.ID)
		}
	}
	return ids
}

// LabelsFromTags returns the label names for a thread's applied tags,
// skipping structural tags and tags no longer in the forum.
func (m *Mapper) LabelsFromTags(forum *models.Forum, tagIDs []string, repos ...models.RepoRef) []string {
	var labels []string
	for _, id := range tagIDs {
		tag := forum.TagByID(id)
		if tag == nil || m.policy.IsStructural(tag.Name, true, repos...) {
			continue
		}
		labels = append(labels, tag.Name)
	}
	return labels
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
