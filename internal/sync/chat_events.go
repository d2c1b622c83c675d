package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/marker"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/tags"
)

// syncedRefs reads the issue links pinned in a forum thread. It returns
// nil for threads outside the forum.
func syncedRefs(ctx context.Context, c *Context, threadID string) (*models.Thread, []models.SyncedIssueRef, error) {
	thread, err := c.Chat.Thread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	if thread.ParentID != c.Settings.ForumID {
		return thread, nil, nil
	}

	pinned, err := c.Chat.PinnedMessages(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	return thread, marker.ParseAll(pinned), nil
}

// refRepo is the repository a marker points at, falling back to the
// default repository for legacy markers.
func refRepo(c *Context, ref models.SyncedIssueRef) (models.RepoRef, error) {
	repo := ref.RepoRef(c.Settings.DefaultRepo)
	if repo.IsZero() {
		return repo, fmt.Errorf("marker for issue #%d names no repository and none is configured: %w", ref.Number, ErrNoIdentity)
	}
	return repo, nil
}

func handleChatMessage(ctx context.Context, c *Context) error {
	message := c.Event.Message
	if message == nil || message.Author.Bot {
		return nil
	}
	if message.ID == message.ChannelID {
		// Starter messages are handled as thread creation.
		return nil
	}

	thread, refs, err := syncedRefs(ctx, c, message.ChannelID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	content := renderChatMessage(message)
	if content == "" {
		return nil
	}

	var errs []error
	var repos []models.RepoRef
	for _, ref := range refs {
		repo, err := refRepo(c, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		repos = appendRepo(repos, repo)

		if err := mirrorMessage(ctx, c, repo, ref.Number, message, content); err != nil {
			errs = append(errs, fmt.Errorf("issue %s#%d: %w", repo, ref.Number, err))
		}
	}

	backfillRepoTags(ctx, c, thread, repos)
	return errors.Join(errs...)
}

// mirrorMessage appends to the issue's last comment when that comment
// carries the same Discord author, and otherwise opens a new comment.
func mirrorMessage(ctx context.Context, c *Context, repo models.RepoRef, number int, message *models.Message, content string) error {
	tracker, err := c.TrackerFor(ctx, repo)
	if err != nil {
		return err
	}

	last, err := tracker.LastComment(ctx, repo, number)
	if err != nil {
		return err
	}

	if last != nil && marker.CommentAuthorID(last.Body) == message.Author.ID {
		_, err = tracker.EditComment(ctx, repo, last.ID, last.Body+"\n\n"+content)
		return err
	}

	_, err = tracker.CreateComment(ctx, repo, number, marker.CommentHeader(message.Author)+content)
	return err
}

// backfillRepoTags applies the selector tag of every repository the
// thread is linked to. Failures are logged.
func backfillRepoTags(ctx context.Context, c *Context, thread *models.Thread, repos []models.RepoRef) {
	var tagIDs []string
	for _, repo := range repos {
		tag, err := c.Tags.RepoTag(ctx, c.Settings.ForumID, repo)
		if err != nil {
			c.Logger.Warn("failed to ensure repository tag", "tag_repo", repo.String(), "error", err)
			continue
		}
		if tag != nil && !thread.HasTag(tag.ID) {
			tagIDs = append(tagIDs, tag.ID)
		}
	}
	if len(tagIDs) == 0 {
		return
	}
	if _, err := c.Tags.ApplyTags(ctx, thread.ID, tagIDs); err != nil {
		c.Logger.Warn("failed to back-fill repository tags", "error", err)
	}
}

func handleThreadCreated(ctx context.Context, c *Context) error {
	event := c.Event.Thread
	if event == nil || event.ParentID != c.Settings.ForumID {
		return nil
	}
	if !c.wait(ctx, c.Settings.ThreadSettleDelay) {
		return ctx.Err()
	}

	starter, err := c.Chat.Message(ctx, event.ID, event.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch starter message: %w", err)
	}
	if starter.Author.Bot {
		return nil
	}
	if _, ok := marker.Parse(starter.Content); ok {
		return nil
	}

	thread, refs, err := syncedRefs(ctx, c, event.ID)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		c.Logger.Debug("thread already synced")
		return nil
	}

	forum, err := c.Chat.Forum(ctx, c.Settings.ForumID)
	if err != nil {
		return err
	}

	repo := c.Settings.DefaultRepo
	for _, id := range thread.AppliedTags {
		if tag := forum.TagByID(id); tag != nil {
			if selected, ok := c.Settings.Policy.RepoForTag(tag.Name); ok {
				repo = selected
				break
			}
		}
	}
	if repo.IsZero() {
		return fmt.Errorf("thread has no repository tag and no default repository: %w", ErrNoIdentity)
	}

	tracker, err := c.TrackerFor(ctx, repo)
	if err != nil {
		return err
	}

	labels := []string{c.Settings.Policy.SyncLabel}
	labels = append(labels, c.Tags.LabelsFromTags(forum, thread.AppliedTags, repo)...)
	for _, label := range labels {
		if _, err := tags.EnsureLabel(ctx, tracker, repo, label); err != nil {
			return err
		}
	}

	issue, err := tracker.CreateIssue(ctx, repo, thread.Name, renderIssueBody(starter, thread), labels)
	if err != nil {
		return err
	}
	c.Logger.Info("created issue for thread", "created_issue", issue.Number, "issue_repo", repo.String())

	if tag, err := c.Tags.RepoTag(ctx, c.Settings.ForumID, repo); err != nil {
		c.Logger.Warn("failed to ensure repository tag", "error", err)
	} else if tag != nil {
		if _, err := c.Tags.AddToThread(ctx, thread.ID, tag.ID); err != nil {
			c.Logger.Warn("failed to apply repository tag", "error", err)
		}
	}

	seed, err := c.Chat.SendMessage(ctx, thread.ID, marker.Format(issue.Number, repo))
	if err != nil {
		return err
	}
	if err := c.Chat.PinMessage(ctx, thread.ID, seed.ID); err != nil {
		return fmt.Errorf("failed to pin sync marker: %w", err)
	}

	c.Cache.Put(ctx, repo, issue.Number, thread.ID, thread.Name)
	return nil
}

func handleThreadUpdated(ctx context.Context, c *Context) error {
	before, after := c.Event.PreviousThread, c.Event.Thread
	if before == nil || after == nil {
		c.Logger.Debug("thread update without previous state")
		return nil
	}

	archivedChanged := before.Archived != after.Archived
	added, removed := diffTags(before.AppliedTags, after.AppliedTags)
	if !archivedChanged && len(added) == 0 && len(removed) == 0 {
		return nil
	}

	_, refs, err := syncedRefs(ctx, c, after.ID)
	if err != nil || len(refs) == 0 {
		return err
	}

	var forum *models.Forum
	if len(added)+len(removed) > 0 {
		if forum, err = c.Chat.Forum(ctx, c.Settings.ForumID); err != nil {
			return err
		}
	}

	var repos []models.RepoRef
	for _, ref := range refs {
		if repo, err := refRepo(c, ref); err == nil {
			repos = appendRepo(repos, repo)
		}
	}

	var errs []error
	for _, ref := range refs {
		repo, err := refRepo(c, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tracker, err := c.TrackerFor(ctx, repo)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if archivedChanged {
			if err := syncState(ctx, tracker, repo, ref.Number, after.Archived); err != nil {
				errs = append(errs, err)
			}
		}
		if forum != nil {
			if err := syncLabels(ctx, c, tracker, forum, repo, ref.Number, added, removed, repos); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// syncState closes or reopens an issue to match a thread's archived flag.
func syncState(ctx context.Context, tracker Tracker, repo models.RepoRef, number int, archived bool) error {
	want := "open"
	if archived {
		want = "closed"
	}

	issue, err := tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return err
	}
	if issue.State == want {
		return nil
	}
	return tracker.SetIssueState(ctx, repo, number, want)
}

// syncLabels mirrors tag additions and removals onto an issue, skipping
// structural tags. A label that is already gone counts as removed.
func syncLabels(ctx context.Context, c *Context, tracker Tracker, forum *models.Forum, repo models.RepoRef, number int, added, removed []string, repos []models.RepoRef) error {
	policy := c.Settings.Policy
	var errs []error

	for _, id := range added {
		tag := forum.TagByID(id)
		if tag == nil || policy.IsStructural(tag.Name, true, repos...) {
			continue
		}
		if _, err := tags.EnsureLabel(ctx, tracker, repo, tag.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := tracker.AddLabels(ctx, repo, number, tag.Name); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range removed {
		tag := forum.TagByID(id)
		if tag == nil || policy.IsStructural(tag.Name, true, repos...) {
			continue
		}
		if err := tracker.RemoveLabel(ctx, repo, number, tag.Name); err != nil && !api.IsNotFound(err) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// diffTags compares two tag ID sets.
func diffTags(before, after []string) (added, removed []string) {
	b := sortedCopy(before)
	a := sortedCopy(after)

	i, j := 0, 0
	for i < len(b) || j < len(a) {
		switch {
		case j >= len(a) || (i < len(b) && b[i] < a[j]):
			removed = append(removed, b[i])
			i++
		case i >= len(b) || a[j] < b[i]:
			added = append(added, a[j])
			j++
		default:
			i++
			j++
		}
	}
	return added, removed
}

func sortedCopy(values []string) []string {
	sorted := append([]string{}, values...)
	sort.Strings(sorted)
	return sorted
}

func appendRepo(repos []models.RepoRef, repo models.RepoRef) []models.RepoRef {
	for _, existing := range repos {
		if existing.Equal(repo) {
			return repos
		}
	}
	return append(repos, repo)
}
