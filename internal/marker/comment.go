package marker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/wesm/threadsync/internal/models"
)

// MirrorPhrase appears in every GitHub comment written on behalf of a
// Discord user. Comments containing it are never mirrored back.
const MirrorPhrase = "on Discord says"

var authorPattern = regexp.MustCompile(`<!-- discord-author:(\d+) -->`)

// CommentHeader is the attribution prepended to GitHub comments that
// carry a Discord message. The hidden ID lets later messages from the
// same author be merged into the comment.
func CommentHeader(author models.Author) string {
	return fmt.Sprintf("<!-- discord-author:%s -->\n**%s** %s:\n\n", author.ID, author.Name, MirrorPhrase)
}

// CommentAuthorID returns the Discord author declared by a mirrored
// comment, or "" if the comment was not written by the bridge.
func CommentAuthorID(body string) string {
	groups := authorPattern.FindStringSubmatch(body)
	if groups == nil {
		return ""
	}
	return groups[1]
}

// IsMirrored reports whether a GitHub comment originated in Discord.
func IsMirrored(body string) bool {
	return strings.Contains(body, MirrorPhrase)
}
