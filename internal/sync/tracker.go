package sync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/marker"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/tags"
)

// maxReferenceLookups bounds the #N references resolved per comment.
const maxReferenceLookups = 10

var issueReference = regexp.MustCompile(`(^|[^\w/&#])#(\d+)\b`)

func handleIssueOpened(ctx context.Context, c *Context) error {
	tracker, err := c.TrackerFor(ctx, c.Event.Repo)
	if err != nil {
		return err
	}

	issue, err := tracker.GetIssue(ctx, c.Event.Repo, c.Event.Issue.Number)
	if err != nil {
		return err
	}
	if issue.HasLabel(c.Settings.Policy.SyncLabel) {
		c.Logger.Debug("issue already synced, ignoring redelivery")
		return nil
	}

	_, err = createThreadForIssue(ctx, c, tracker, issue)
	return err
}

// createThreadForIssue labels the issue as synced, then opens and pins
// its thread.
func createThreadForIssue(ctx context.Context, c *Context, tracker Tracker, issue *models.Issue) (*models.Thread, error) {
	repo := c.Event.Repo
	forumID := c.Settings.ForumID
	syncLabel := c.Settings.Policy.SyncLabel

	if _, err := tags.EnsureLabel(ctx, tracker, repo, syncLabel); err != nil {
		return nil, err
	}
	if err := tracker.AddLabels(ctx, repo, issue.Number, syncLabel); err != nil {
		return nil, err
	}

	var tagIDs []string
	repoTag, err := c.Tags.RepoTag(ctx, forumID, repo)
	if err != nil {
		c.Logger.Warn("failed to ensure repository tag", "error", err)
	} else if repoTag != nil {
		tagIDs = append(tagIDs, repoTag.ID)
	}
	for _, id := range c.Tags.TagsFromLabels(ctx, forumID, repo, issue.Labels, tags.MaxLabelTags) {
		if !containsString(tagIDs, id) {
			tagIDs = append(tagIDs, id)
		}
	}

	thread, err := c.Chat.CreateThread(ctx, forumID, issue.Title, renderSeed(issue, repo), tagIDs)
	if err != nil {
		return nil, err
	}
	if err := c.Chat.PinMessage(ctx, thread.ID, thread.ID); err != nil {
		return nil, fmt.Errorf("failed to pin seed message: %w", err)
	}

	c.Cache.Put(ctx, repo, issue.Number, thread.ID, thread.Name)
	c.Logger.Info("created thread for issue", "created_thread", thread.ID)
	return thread, nil
}

// ensureSynced returns the issue's threads, creating one first if the
// issue has never been synced.
func ensureSynced(ctx context.Context, c *Context, tracker Tracker) ([]models.Thread, error) {
	issue := c.Event.Issue
	if !issue.HasLabel(c.Settings.Policy.SyncLabel) {
		fresh, err := tracker.GetIssue(ctx, c.Event.Repo, issue.Number)
		if err != nil {
			return nil, err
		}
		issue = fresh
	}

	if issue.HasLabel(c.Settings.Policy.SyncLabel) {
		return c.Locator.Find(ctx, c.Settings.ForumID, issue.Number, c.Event.Repo, issue.Title)
	}

	created, err := createThreadForIssue(ctx, c, tracker, issue)
	if err != nil {
		return nil, err
	}
	if !c.wait(ctx, c.Settings.ThreadCreateDelay) {
		return nil, ctx.Err()
	}

	threads, err := c.Locator.Find(ctx, c.Settings.ForumID, issue.Number, c.Event.Repo, issue.Title)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		threads = []models.Thread{*created}
	}
	return threads, nil
}

// findThreads locates the event issue's threads.
func findThreads(ctx context.Context, c *Context) ([]models.Thread, error) {
	issue := c.Event.Issue
	threads, err := c.Locator.Find(ctx, c.Settings.ForumID, issue.Number, c.Event.Repo, issue.Title)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		c.Logger.Debug("no thread for issue")
	}
	return threads, nil
}

func handleIssueCommented(ctx context.Context, c *Context) error {
	comment := c.Event.Comment
	if comment == nil {
		return fmt.Errorf("comment event without comment")
	}
	if c.Settings.BotLogin != "" && strings.EqualFold(comment.Author, c.Settings.BotLogin) {
		c.Logger.Debug("ignoring comment by bridge")
		return nil
	}
	if marker.IsMirrored(comment.Body) {
		c.Logger.Debug("ignoring comment mirrored from Discord")
		return nil
	}

	tracker, err := c.TrackerFor(ctx, c.Event.Repo)
	if err != nil {
		return err
	}
	threads, err := ensureSynced(ctx, c, tracker)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		return nil
	}

	content := renderComment(comment, rewriteReferences(ctx, c, tracker, comment.Body))
	for _, thread := range threads {
		if _, err := c.Chat.SendMessage(ctx, thread.ID, content); err != nil {
			return fmt.Errorf("failed to post comment to thread %s: %w", thread.ID, err)
		}
	}
	return nil
}

// rewriteReferences replaces #N with a link to issue N's thread where
// one can be found. Unresolved references are left alone.
func rewriteReferences(ctx context.Context, c *Context, tracker Tracker, body string) string {
	links := make(map[int]string)
	for _, groups := range issueReference.FindAllStringSubmatch(body, -1) {
		number, err := strconv.Atoi(groups[2])
		if err != nil || number <= 0 {
			continue
		}
		if _, seen := links[number]; seen {
			continue
		}
		if len(links) >= maxReferenceLookups {
			break
		}
		links[number] = resolveReference(ctx, c, tracker, number)
	}

	return issueReference.ReplaceAllStringFunc(body, func(match string) string {
		groups := issueReference.FindStringSubmatch(match)
		number, _ := strconv.Atoi(groups[2])
		if link := links[number]; link != "" {
			return groups[1] + link
		}
		return match
	})
}

func resolveReference(ctx context.Context, c *Context, tracker Tracker, number int) string {
	repo := c.Event.Repo
	title, err := tracker.IssueTitle(ctx, repo, number)
	if err != nil {
		c.Logger.Debug("failed to look up referenced issue title", "reference", number, "error", err)
	}

	threads, err := c.Locator.Find(ctx, c.Settings.ForumID, number, repo, title)
	if err != nil || len(threads) == 0 {
		return ""
	}
	return "<#" + threads[0].ID + ">"
}

func handleIssueState(ctx context.Context, c *Context) error {
	if c.Settings.BotLogin != "" && strings.EqualFold(c.Event.Actor, c.Settings.BotLogin) {
		c.Logger.Debug("ignoring state change made by bridge")
		return nil
	}

	threads, err := findThreads(ctx, c)
	if err != nil || len(threads) == 0 {
		return err
	}

	notice := renderStateNotice(c.Event.Kind, c.Event.Actor)
	closing := c.Event.Kind == KindIssueClosed

	var closedTagIDs []string
	if closing {
		tag, err := c.Tags.ClosedTag(ctx, c.Settings.ForumID)
		if err != nil {
			c.Logger.Warn("failed to ensure closed tag", "error", err)
		} else if tag != nil {
			closedTagIDs = append(closedTagIDs, tag.ID)
		}
	} else {
		forum, err := c.Chat.Forum(ctx, c.Settings.ForumID)
		if err != nil {
			return err
		}
		for _, tag := range forum.Tags {
			if c.Settings.Policy.IsClosedTag(tag.Name) {
				closedTagIDs = append(closedTagIDs, tag.ID)
			}
		}
	}

	for _, thread := range threads {
		// Posting into an archived thread would unarchive it and reopen
		// the issue.
		if closing && thread.Archived {
			c.Logger.Debug("thread already archived, skipping close notice", "thread_id", thread.ID)
			continue
		}
		if _, err := c.Chat.SendMessage(ctx, thread.ID, notice); err != nil {
			return fmt.Errorf("failed to post state notice to thread %s: %w", thread.ID, err)
		}
		for _, tagID := range closedTagIDs {
			if closing {
				_, err = c.Tags.AddToThread(ctx, thread.ID, tagID)
			} else {
				_, err = c.Tags.RemoveFromThread(ctx, thread.ID, tagID)
			}
			if err != nil {
				return fmt.Errorf("failed to update closed tag on thread %s: %w", thread.ID, err)
			}
		}
	}
	return nil
}

func handleIssueEdited(ctx context.Context, c *Context) error {
	if !c.Event.TitleChanged() {
		return nil
	}

	threads, err := findThreads(ctx, c)
	if err != nil {
		return err
	}

	issue := c.Event.Issue
	name := chat.Truncate(issue.Title, chat.MaxThreadNameLength)
	for _, thread := range threads {
		if thread.Name != name {
			if err := c.Chat.RenameThread(ctx, thread.ID, name); err != nil {
				return err
			}
		}
		c.Cache.Put(ctx, c.Event.Repo, issue.Number, thread.ID, name)
	}
	return nil
}

func handleIssueLabel(ctx context.Context, c *Context) error {
	label := c.Event.Label
	if label == "" || c.Settings.Policy.IsStructural(label, true, c.Event.Repo) {
		c.Logger.Debug("ignoring structural label", "label", label)
		return nil
	}

	threads, err := findThreads(ctx, c)
	if err != nil || len(threads) == 0 {
		return err
	}

	var tag *models.ForumTag
	if c.Event.Kind == KindIssueLabeled {
		tag, err = c.Tags.EnsureTag(ctx, c.Settings.ForumID, label, "")
	} else {
		var forum *models.Forum
		forum, err = c.Chat.Forum(ctx, c.Settings.ForumID)
		if err == nil {
			tag = forum.TagByName(label)
		}
	}
	if err != nil {
		return err
	}
	if tag == nil {
		return nil
	}

	for _, thread := range threads {
		if c.Event.Kind == KindIssueLabeled {
			_, err = c.Tags.AddToThread(ctx, thread.ID, tag.ID)
		} else {
			_, err = c.Tags.RemoveFromThread(ctx, thread.ID, tag.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to update tag %q on thread %s: %w", label, thread.ID, err)
		}
	}
	return nil
}

func handleIssueNotice(ctx context.Context, c *Context) error {
	notice := renderNotice(c.Event)
	if notice == "" {
		return nil
	}

	threads, err := findThreads(ctx, c)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		if _, err := c.Chat.SendMessage(ctx, thread.ID, notice); err != nil {
			return fmt.Errorf("failed to post notice to thread %s: %w", thread.ID, err)
		}
	}
	return nil
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
