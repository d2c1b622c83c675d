package sync

import (
	"fmt"
	"strings"

	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/marker"
	"github.com/wesm/threadsync/internal/models"
)

// fitBody truncates body so that body+footer fits in one Discord
// message. The footer is never cut.
func fitBody(body, footer string) string {
	room := chat.MaxMessageLength - len([]rune(footer))
	if room <= 0 {
		return ""
	}
	return chat.Truncate(body, room)
}

// renderSeed is the starter message of a thread the bridge creates for
// an issue. It ends with the sync marker.
func renderSeed(issue *models.Issue, repo models.RepoRef) string {
	footer := fmt.Sprintf("\n\nOpened by **%s** on GitHub\n%s", issue.Author, marker.Format(issue.Number, repo))

	body := strings.TrimSpace(issue.Body)
	if body == "" {
		body = "_No description provided._"
	}
	return fitBody(body, footer) + footer
}

// renderComment is the Discord message mirroring a GitHub comment.
func renderComment(comment *models.Comment, body string) string {
	header := fmt.Sprintf("**%s** commented on GitHub:\n", comment.Author)
	footer := ""
	if comment.HTMLURL != "" {
		footer = fmt.Sprintf("\n[View on GitHub](<%s>)", comment.HTMLURL)
	}
	return header + fitBody(body, header+footer) + footer
}

// renderChatMessage is the GitHub comment text for a Discord message,
// without the attribution header.
func renderChatMessage(message *models.Message) string {
	parts := []string{}
	if content := strings.TrimSpace(message.Content); content != "" {
		parts = append(parts, content)
	}
	for _, url := range message.Attachments {
		parts = append(parts, url)
	}
	return strings.Join(parts, "\n")
}

// renderIssueBody is the body of an issue opened from a Discord thread.
func renderIssueBody(starter *models.Message, thread *models.Thread) string {
	var b strings.Builder
	b.WriteString(marker.CommentHeader(starter.Author))
	b.WriteString(renderChatMessage(starter))
	b.WriteString("\n\n---\n")
	if thread.GuildID != "" {
		fmt.Fprintf(&b, "_Opened from [Discord](https://discord.com/channels/%s/%s)_", thread.GuildID, thread.ID)
	} else {
		b.WriteString("_Opened from Discord_")
	}
	return b.String()
}

// renderStateNotice announces that an issue was closed or reopened.
func renderStateNotice(kind Kind, actor string) string {
	if kind == KindIssueClosed {
		return fmt.Sprintf("🔒 Issue closed by **%s** on GitHub.", actor)
	}
	return fmt.Sprintf("🔓 Issue reopened by **%s** on GitHub.", actor)
}

// renderNotice announces milestone and assignee changes.
func renderNotice(event Event) string {
	switch event.Kind {
	case KindIssueMilestoned:
		return fmt.Sprintf("📌 Milestone set to **%s** by **%s**.", event.Milestone, event.Actor)
	case KindIssueDemilestoned:
		return fmt.Sprintf("📌 Milestone **%s** removed by **%s**.", event.Milestone, event.Actor)
	case KindIssueAssigned:
		return fmt.Sprintf("👤 **%s** was assigned by **%s**.", event.Assignee, event.Actor)
	case KindIssueUnassigned:
		return fmt.Sprintf("👤 **%s** was unassigned by **%s**.", event.Assignee, event.Actor)
	}
	return ""
}
