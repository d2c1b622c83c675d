// Package marker reads and writes the sync marker pinned in every
// synced thread, and the attribution headers on mirrored comments.
//
// Two marker generations are in use. The current one names the issue
// and links its repository:
//
//	🔗 Synced with issue #42 in [owner/repo](https://github.com/owner/repo/issues/42)
//
// The legacy one names only the issue number; the repository, when it
// can be recovered at all, comes from an issue URL elsewhere in the
// same message.
package marker

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/wesm/threadsync/internal/models"
)

var (
	currentPattern  = regexp.MustCompile(`Synced with issue #(\d+) in \[([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)\]`)
	legacyPattern   = regexp.MustCompile(`Synced with issue #(\d+)`)
	issueURLPattern = regexp.MustCompile(`https?://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/issues/(\d+)`)
)

// matcher recognises one marker generation.
type matcher func(text string) (models.SyncedIssueRef, bool)

// matchers are tried in order; newer generations first.
var matchers = []matcher{matchCurrent, matchLegacy}

// Parse extracts the issue linkage from a message. It reports false
// when the text is not a sync marker.
func Parse(text string) (models.SyncedIssueRef, bool) {
	for _, match := range matchers {
		if ref, ok := match(text); ok {
			return ref, true
		}
	}
	return models.SyncedIssueRef{}, false
}

// ParseAll returns the distinct issue links found across messages, in
// message order.
func ParseAll(messages []models.Message) []models.SyncedIssueRef {
	var refs []models.SyncedIssueRef
	seen := make(map[string]bool)
	for _, message := range messages {
		ref, ok := Parse(message.Content)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s#%d", models.RepoRef{Owner: ref.Owner, Name: ref.Repo}.String(), ref.Number)
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, ref)
	}
	return refs
}

// Format renders the current-generation marker for an issue.
func Format(number int, repo models.RepoRef) string {
	return fmt.Sprintf("🔗 Synced with issue #%d in [%s](https://github.com/%s/issues/%d)",
		number, repo.String(), repo.String(), number)
}

func matchCurrent(text string) (models.SyncedIssueRef, bool) {
	groups := currentPattern.FindStringSubmatch(text)
	if groups == nil {
		return models.SyncedIssueRef{}, false
	}
	number, ok := parseNumber(groups[1])
	if !ok {
		return models.SyncedIssueRef{}, false
	}
	return models.SyncedIssueRef{Number: number, Owner: groups[2], Repo: groups[3]}, true
}

func matchLegacy(text string) (models.SyncedIssueRef, bool) {
	groups := legacyPattern.FindStringSubmatch(text)
	if groups == nil {
		return models.SyncedIssueRef{}, false
	}
	number, ok := parseNumber(groups[1])
	if !ok {
		return models.SyncedIssueRef{}, false
	}

	ref := models.SyncedIssueRef{Number: number}
	urls := issueURLPattern.FindAllStringSubmatch(text, -1)
	for _, url := range urls {
		if url[3] == groups[1] {
			ref.Owner, ref.Repo = url[1], url[2]
			return ref, true
		}
	}
	if len(urls) > 0 {
		ref.Owner, ref.Repo = urls[0][1], urls[0][2]
	}
	return ref, true
}

func parseNumber(digits string) (int, bool) {
	number, err := strconv.Atoi(digits)
	if err != nil || number <= 0 {
		return 0, false
	}
	return number, true
}
