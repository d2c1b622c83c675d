package sync

import (
	"fmt"
	"log/slog"

	"github.com/wesm/threadsync/internal/models"
)

// Kind identifies what happened.
type Kind int

const (
	KindUnknown Kind = iota

	// GitHub-originated
	KindIssueOpened
	KindIssueCommented
	KindIssueClosed
	KindIssueReopened
	KindIssueEdited
	KindIssueLabeled
	KindIssueUnlabeled
	KindIssueMilestoned
	KindIssueDemilestoned
	KindIssueAssigned
	KindIssueUnassigned

	// Discord-originated
	KindChatMessage
	KindThreadCreated
	KindThreadUpdated
)

var kindNames = map[Kind]string{
	KindIssueOpened:       "issue_opened",
	KindIssueCommented:    "issue_commented",
	KindIssueClosed:       "issue_closed",
	KindIssueReopened:     "issue_reopened",
	KindIssueEdited:       "issue_edited",
	KindIssueLabeled:      "issue_labeled",
	KindIssueUnlabeled:    "issue_unlabeled",
	KindIssueMilestoned:   "issue_milestoned",
	KindIssueDemilestoned: "issue_demilestoned",
	KindIssueAssigned:     "issue_assigned",
	KindIssueUnassigned:   "issue_unassigned",
	KindChatMessage:       "chat_message",
	KindThreadCreated:     "thread_created",
	KindThreadUpdated:     "thread_updated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FromTracker reports whether the event came from a GitHub webhook.
func (k Kind) FromTracker() bool {
	return k >= KindIssueOpened && k <= KindIssueUnassigned
}

// Event is one inbound occurrence. Which fields are set depends on Kind.
type Event struct {
	Kind Kind

	// GitHub fields. Repo and InstallationID come from the webhook
	// payload.
	Repo           models.RepoRef
	InstallationID int64
	DeliveryID     string
	Actor          string
	Issue          *models.Issue
	Comment        *models.Comment
	Label          string
	PreviousTitle  string
	Milestone      string
	Assignee       string

	// Discord fields.
	Message        *models.Message
	Thread         *models.Thread
	PreviousThread *models.Thread
}

// TitleChanged reports whether an edited event renamed the issue.
func (e Event) TitleChanged() bool {
	return e.Issue != nil && e.PreviousTitle != "" && e.PreviousTitle != e.Issue.Title
}

// issueNumber is 0 for events without an issue.
func (e Event) issueNumber() int {
	if e.Issue == nil {
		return 0
	}
	return e.Issue.Number
}

// threadID is the Discord thread the event concerns, if any.
func (e Event) threadID() string {
	switch {
	case e.Thread != nil:
		return e.Thread.ID
	case e.Message != nil:
		return e.Message.ChannelID
	}
	return ""
}

// shardKey groups events that must be handled in order.
func (e Event) shardKey() string {
	if e.Kind.FromTracker() {
		return fmt.Sprintf("%s#%d", e.Repo.String(), e.issueNumber())
	}
	return e.threadID()
}

// logAttrs are the correlation attributes logged with every record
// about the event.
func (e Event) logAttrs() []any {
	attrs := []any{slog.String("event", e.Kind.String())}
	if !e.Repo.IsZero() {
		attrs = append(attrs, slog.String("repo", e.Repo.String()))
	}
	if number := e.issueNumber(); number != 0 {
		attrs = append(attrs, slog.Int("issue", number))
	}
	if id := e.threadID(); id != "" {
		attrs = append(attrs, slog.String("thread_id", id))
	}
	if e.DeliveryID != "" {
		attrs = append(attrs, slog.String("delivery", e.DeliveryID))
	}
	return attrs
}
