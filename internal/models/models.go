package models

import (
	"fmt"
	"strings"
	"time"
)

// RepoRef identifies a GitHub repository
type RepoRef struct {
	Owner string
	Name  string
}

// ParseRepoRef parses a repository string in the format "owner/name"
func ParseRepoRef(repoStr string) (RepoRef, error) {
	parts := strings.Split(strings.TrimSpace(repoStr), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

func (r RepoRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Owner + "/" + r.Name
}

// IsZero reports whether the repository is unknown
func (r RepoRef) IsZero() bool {
	return r.Owner == "" || r.Name == ""
}

// Equal compares repositories the way GitHub does, ignoring case
func (r RepoRef) Equal(other RepoRef) bool {
	return strings.EqualFold(r.Owner, other.Owner) && strings.EqualFold(r.Name, other.Name)
}

// SyncedIssueRef is the issue linkage parsed from a pinned sync marker.
// Owner and Repo are either both set or both empty; legacy markers may
// not name a repository.
type SyncedIssueRef struct {
	Number int
	Owner  string
	Repo   string
}

// HasRepo reports whether the marker named its repository
func (r SyncedIssueRef) HasRepo() bool {
	return r.Owner != "" && r.Repo != ""
}

// RepoRef returns the marker's repository, or fallback when it has none
func (r SyncedIssueRef) RepoRef(fallback RepoRef) RepoRef {
	if !r.HasRepo() {
		return fallback
	}
	return RepoRef{Owner: r.Owner, Name: r.Repo}
}

// ThreadCacheEntry maps an issue to the thread mirroring it
type ThreadCacheEntry struct {
	ThreadID  string    `json:"threadId"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ForumTag is a tag available in a forum channel. Emoji is a unicode
// emoji; EmojiID names a custom guild emoji instead.
type ForumTag struct {
	ID        string
	Name      string
	Emoji     string
	EmojiID   string
	Moderated bool
}

// Forum is a forum channel and its available tags
type Forum struct {
	ID      string
	GuildID string
	Name    string
	Tags    []ForumTag
}

// TagByName finds a tag by case-insensitive name
func (f *Forum) TagByName(name string) *ForumTag {
	for i := range f.Tags {
		if strings.EqualFold(f.Tags[i].Name, name) {
			return &f.Tags[i]
		}
	}
	return nil
}

// TagByID finds a tag by ID
func (f *Forum) TagByID(id string) *ForumTag {
	for i := range f.Tags {
		if f.Tags[i].ID == id {
			return &f.Tags[i]
		}
	}
	return nil
}

// Thread is a forum post. Its starter message shares the thread's ID.
type Thread struct {
	ID          string
	ParentID    string
	GuildID     string
	Name        string
	OwnerID     string
	AppliedTags []string
	Archived    bool
	ArchivedAt  time.Time
}

// HasTag reports whether the tag is applied to the thread
func (t *Thread) HasTag(tagID string) bool {
	for _, applied := range t.AppliedTags {
		if applied == tagID {
			return true
		}
	}
	return false
}

// ThreadPage is one page of archived threads
type ThreadPage struct {
	Threads []Thread
	HasMore bool
}

// Author is the sender of a chat message
type Author struct {
	ID   string
	Name string
	Bot  bool
}

// Message is a chat message
type Message struct {
	ID          string
	ChannelID   string
	Content     string
	Author      Author
	Attachments []string
	Timestamp   time.Time
}

// Issue represents a GitHub issue
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	Author    string
	Labels    []string
	Comments  int
	Milestone string
	Assignees []string
}

// HasLabel reports whether the issue carries the label, ignoring case
func (i *Issue) HasLabel(name string) bool {
	for _, label := range i.Labels {
		if strings.EqualFold(label, name) {
			return true
		}
	}
	return false
}

// Comment represents a GitHub issue comment
type Comment struct {
	ID      int64
	Body    string
	Author  string
	HTMLURL string
}

// Label represents a GitHub label
type Label struct {
	Name  string
	Color string
}
