// Package locator finds the forum thread that mirrors a GitHub issue.
//
// The cache is consulted first. On a miss every active and archived
// thread in the forum is enumerated, narrowed to the repository's
// selector tag, ordered by title similarity and confirmed by reading
// each candidate's pinned sync marker. The first confirmed thread wins
// and is written back to the cache.
//
// Archived pages overlap by one second at their boundary. More than a
// page of threads archived within the same second cannot be paged past.
package locator

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/marker"
	"github.com/wesm/threadsync/internal/models"
)

// ArchivedPageSize is the archived-thread page size.
const ArchivedPageSize = 100

// DefaultPinTimeout bounds each pinned-message fetch.
const DefaultPinTimeout = 20 * time.Second

// Cache is the subset of the thread identity cache the locator uses.
type Cache interface {
	Get(ctx context.Context, repo models.RepoRef, number int) (models.ThreadCacheEntry, bool)
	Put(ctx context.Context, repo models.RepoRef, number int, threadID, title string)
	Delete(ctx context.Context, repo models.RepoRef, number int)
}

// RepoTagNamer names a repository's selector tag.
type RepoTagNamer interface {
	RepoTagName(repo models.RepoRef) string
}

// Locator searches one chat session's view of a forum.
type Locator struct {
	chat       chat.Client
	cache      Cache
	namer      RepoTagNamer
	logger     *slog.Logger
	pinTimeout time.Duration
}

// New creates a locator. A zero pinTimeout uses DefaultPinTimeout.
func New(client chat.Client, cache Cache, namer RepoTagNamer, logger *slog.Logger, pinTimeout time.Duration) *Locator {
	if pinTimeout <= 0 {
		pinTimeout = DefaultPinTimeout
	}
	return &Locator{
		chat:       client,
		cache:      cache,
		namer:      namer,
		logger:     logger,
		pinTimeout: pinTimeout,
	}
}

// Find returns the threads mirroring issue number in repo, best first.
// repo may be zero when the caller does not know it. The result is
// empty, not an error, when nothing matches; an error is returned only
// when ctx is done or the forum cannot be read at all.
func (l *Locator) Find(ctx context.Context, forumID string, number int, repo models.RepoRef, titleHint string) ([]models.Thread, error) {
	if !repo.IsZero() {
		if thread, ok := l.fromCache(ctx, forumID, number, repo); ok {
			return []models.Thread{thread}, nil
		}
	}

	candidates, err := l.enumerate(ctx, forumID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if !repo.IsZero() {
		candidates = l.filterByRepo(ctx, forumID, repo, candidates)
	}
	if titleHint != "" {
		orderBySimilarity(candidates, titleHint)
	}

	for _, candidate := range candidates {
		ref, ok, err := l.confirm(ctx, candidate, number, repo)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		cacheRepo := repo
		if cacheRepo.IsZero() {
			cacheRepo = ref.RepoRef(models.RepoRef{})
		}
		if !cacheRepo.IsZero() {
			l.cache.Put(ctx, cacheRepo, number, candidate.ID, candidate.Name)
		}
		return []models.Thread{candidate}, nil
	}

	return nil, nil
}

func (l *Locator) fromCache(ctx context.Context, forumID string, number int, repo models.RepoRef) (models.Thread, bool) {
	entry, ok := l.cache.Get(ctx, repo, number)
	if !ok {
		return models.Thread{}, false
	}

	thread, err := l.chat.Thread(ctx, entry.ThreadID)
	if err != nil {
		l.logger.Info("cached thread no longer resolves, searching",
			"repo", repo.String(), "issue", number, "thread_id", entry.ThreadID, "error", err)
		l.cache.Delete(ctx, repo, number)
		return models.Thread{}, false
	}
	if thread.ParentID != forumID {
		l.logger.Info("cached thread moved out of forum, searching",
			"repo", repo.String(), "issue", number, "thread_id", entry.ThreadID, "parent_id", thread.ParentID)
		l.cache.Delete(ctx, repo, number)
		return models.Thread{}, false
	}
	return *thread, true
}

// enumerate lists active threads followed by every archived page.
// Archived page failures end pagination with what was gathered.
func (l *Locator) enumerate(ctx context.Context, forumID string) ([]models.Thread, error) {
	active, err := l.chat.ActiveThreads(ctx, forumID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(active))
	var threads []models.Thread
	add := func(thread models.Thread) bool {
		if seen[thread.ID] {
			return false
		}
		seen[thread.ID] = true
		threads = append(threads, thread)
		return true
	}
	for _, thread := range active {
		add(thread)
	}

	var before time.Time
	for {
		page, err := l.chat.ArchivedThreads(ctx, forumID, before, ArchivedPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("failed to fetch archived threads, continuing with partial results",
				"forum_id", forumID, "error", err)
			break
		}

		added := 0
		for _, thread := range page.Threads {
			if add(thread) {
				added++
			}
		}

		if !page.HasMore || len(page.Threads) == 0 {
			break
		}
		oldest := page.Threads[len(page.Threads)-1].ArchivedAt
		if oldest.IsZero() || added == 0 {
			l.logger.Warn("archived thread cursor did not advance, stopping", "forum_id", forumID)
			break
		}
		// The next page overlaps the oldest second of this one so threads
		// sharing the boundary timestamp are not skipped.
		before = oldest.Truncate(time.Second).Add(time.Second)
	}

	return threads, nil
}

// filterByRepo keeps the threads carrying repo's selector tag, or all of
// them when the tag is unknown or nothing carries it.
func (l *Locator) filterByRepo(ctx context.Context, forumID string, repo models.RepoRef, threads []models.Thread) []models.Thread {
	forum, err := l.chat.Forum(ctx, forumID)
	if err != nil {
		l.logger.Warn("failed to fetch forum tags, skipping repository filter", "forum_id", forumID, "error", err)
		return threads
	}

	tag := forum.TagByName(l.namer.RepoTagName(repo))
	if tag == nil {
		return threads
	}

	var filtered []models.Thread
	for _, thread := range threads {
		if thread.HasTag(tag.ID) {
			filtered = append(filtered, thread)
		}
	}
	if len(filtered) == 0 {
		return threads
	}
	return filtered
}

// confirm reads a candidate's pinned messages. A fetch that fails or
// times out is a non-match; only cancellation of ctx is an error.
func (l *Locator) confirm(ctx context.Context, thread models.Thread, number int, repo models.RepoRef) (models.SyncedIssueRef, bool, error) {
	pinCtx, cancel := context.WithTimeout(ctx, l.pinTimeout)
	defer cancel()

	pinned, err := l.chat.PinnedMessages(pinCtx, thread.ID)
	if err != nil {
		if ctx.Err() != nil {
			return models.SyncedIssueRef{}, false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.Warn("timed out fetching pinned messages, skipping thread",
				"thread_id", thread.ID, "timeout", l.pinTimeout)
		} else {
			l.logger.Warn("failed to fetch pinned messages, skipping thread",
				"thread_id", thread.ID, "error", err)
		}
		return models.SyncedIssueRef{}, false, nil
	}

	for _, message := range pinned {
		ref, ok := marker.Parse(message.Content)
		if !ok || ref.Number != number {
			continue
		}
		if repo.IsZero() || !ref.HasRepo() || ref.RepoRef(repo).Equal(repo) {
			return ref, true, nil
		}
	}
	return models.SyncedIssueRef{}, false, nil
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases s and collapses non-alphanumeric runs to a
// single space.
func Normalize(s string) string {
	return strings.TrimSpace(nonAlphanumeric.ReplaceAllString(strings.ToLower(s), " "))
}

// orderBySimilarity moves threads whose normalized name contains, or is
// contained in, the normalized hint ahead of the rest.
func orderBySimilarity(threads []models.Thread, hint string) {
	normalizedHint := Normalize(hint)
	if normalizedHint == "" {
		return
	}

	similar := make(map[string]bool, len(threads))
	for _, thread := range threads {
		name := Normalize(thread.Name)
		similar[thread.ID] = name != "" &&
			(strings.Contains(normalizedHint, name) || strings.Contains(name, normalizedHint))
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return similar[threads[i].ID] && !similar[threads[j].ID]
	})
}
