// Package webhook receives GitHub webhook deliveries and hands the
// issue events among them to the dispatcher.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/models"
	tsync "github.com/wesm/threadsync/internal/sync"
)

// maxBodySize caps a delivery. GitHub documents 25 MB as its maximum.
const maxBodySize = 32 << 20

// DeduplicationWindow is how long delivery IDs are remembered.
const DeduplicationWindow = time.Hour

// Enqueuer accepts translated events.
type Enqueuer interface {
	Enqueue(ctx context.Context, event tsync.Event) error
}

// Handler is the webhook http.Handler.
type Handler struct {
	secret   []byte
	events   Enqueuer
	clock    clock.Clock
	logger   *slog.Logger
	mu       sync.Mutex
	received map[string]time.Time
}

// NewHandler creates a handler. An empty secret disables signature
// verification.
func NewHandler(secret []byte, events Enqueuer, clk clock.Clock, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		events:   events,
		clock:    clk,
		logger:   logger,
		received: make(map[string]time.Time),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		h.logger.Warn("webhook rejected", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "", http.StatusUnauthorized)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	eventType := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	if eventType == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	logger := h.logger.With("event_type", eventType, "delivery", deliveryID)
	if deliveryID != "" && h.isDuplicate(deliveryID) {
		logger.Debug("duplicate delivery, ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}

	event, err := translate(eventType, payload)
	if err != nil {
		// Redelivery will not fix a payload we cannot read.
		logger.Error("failed to translate webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if event == nil {
		logger.Debug("unhandled webhook, ignoring")
		w.WriteHeader(http.StatusOK)
		return
	}

	event.DeliveryID = deliveryID
	logger.Info("webhook received", "event", event.Kind.String(), "repo", event.Repo.String())
	if err := h.events.Enqueue(r.Context(), *event); err != nil {
		logger.Error("failed to queue webhook event", "error", err)
		h.forget(deliveryID)
		http.Error(w, "", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// isDuplicate records a delivery ID and reports whether it was already
// seen inside the window.
func (h *Handler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	for id, at := range h.received {
		if now.Sub(at) > DeduplicationWindow {
			delete(h.received, id)
		}
	}

	if _, ok := h.received[deliveryID]; ok {
		return true
	}
	h.received[deliveryID] = now
	return false
}

// forget drops a delivery ID so GitHub's retry is accepted.
func (h *Handler) forget(deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.received, deliveryID)
}

var issueActions = map[string]tsync.Kind{
	"opened":       tsync.KindIssueOpened,
	"closed":       tsync.KindIssueClosed,
	"reopened":     tsync.KindIssueReopened,
	"edited":       tsync.KindIssueEdited,
	"labeled":      tsync.KindIssueLabeled,
	"unlabeled":    tsync.KindIssueUnlabeled,
	"milestoned":   tsync.KindIssueMilestoned,
	"demilestoned": tsync.KindIssueDemilestoned,
	"assigned":     tsync.KindIssueAssigned,
	"unassigned":   tsync.KindIssueUnassigned,
}

// translate converts a payload into a dispatcher event. It returns nil
// for deliveries the bridge does not act on.
func translate(eventType string, payload []byte) (*tsync.Event, error) {
	switch eventType {
	case "issues", "issue_comment":
	default:
		return nil, nil
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
	}

	switch e := parsed.(type) {
	case *github.IssuesEvent:
		kind, ok := issueActions[e.GetAction()]
		if !ok || e.Issue == nil || e.Issue.IsPullRequest() {
			return nil, nil
		}
		event := baseEvent(kind, e.GetRepo(), e.GetInstallation(), e.GetSender(), e.Issue)
		event.Label = e.GetLabel().GetName()
		event.Assignee = e.GetAssignee().GetLogin()
		event.PreviousTitle = e.GetChanges().GetTitle().GetFrom()
		if kind == tsync.KindIssueMilestoned || kind == tsync.KindIssueDemilestoned {
			if event.Milestone, err = milestoneTitle(payload); err != nil {
				return nil, err
			}
			if event.Milestone == "" {
				event.Milestone = event.Issue.Milestone
			}
		}
		return event, nil

	case *github.IssueCommentEvent:
		if e.GetAction() != "created" || e.Issue == nil || e.Issue.IsPullRequest() {
			return nil, nil
		}
		event := baseEvent(tsync.KindIssueCommented, e.GetRepo(), e.GetInstallation(), e.GetSender(), e.Issue)
		event.Comment = api.ConvertGitHubComment(e.Comment)
		return event, nil
	}
	return nil, nil
}

func baseEvent(kind tsync.Kind, repo *github.Repository, installation *github.Installation, sender *github.User, issue *github.Issue) *tsync.Event {
	return &tsync.Event{
		Kind:           kind,
		Repo:           models.RepoRef{Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()},
		InstallationID: installation.GetID(),
		Actor:          sender.GetLogin(),
		Issue:          api.ConvertGitHubIssue(issue),
	}
}

// milestoneTitle reads the top-level milestone of an issues delivery.
// On demilestoned the issue itself no longer names it.
func milestoneTitle(payload []byte) (string, error) {
	var envelope struct {
		Milestone *github.Milestone `json:"milestone"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse milestone: %w", err)
	}
	return envelope.Milestone.GetTitle(), nil
}
