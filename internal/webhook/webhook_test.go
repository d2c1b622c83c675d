package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/models"
	tsync "github.com/wesm/threadsync/internal/sync"
)

const testSecret = "test-secret-for-hmac"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type queue struct {
	mu     sync.Mutex
	events []tsync.Event
	err    error
}

func (q *queue) Enqueue(ctx context.Context, event tsync.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func (q *queue) snapshot() []tsync.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tsync.Event{}, q.events...)
}

type fixture struct {
	handler *Handler
	queue   *queue
	clock   *clock.FakeClock
}

func newFixture() *fixture {
	q := &queue{}
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{handler: NewHandler([]byte(testSecret), q, clk, logger), queue: q, clock: clk}
}

func (f *fixture) deliver(eventType, deliveryID, body string) int {
	request := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-GitHub-Event", eventType)
	request.Header.Set("X-GitHub-Delivery", deliveryID)
	request.Header.Set("X-Hub-Signature-256", sign(body))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder.Code
}

const repository = `"repository":{"name":"widgets","owner":{"login":"acme"}},"installation":{"id":77},"sender":{"login":"carol"}`

func issuesPayload(action, extra string) string {
	body := `{"action":"` + action + `","issue":{"number":42,"title":"Crash on start","body":"It crashes.","state":"open","user":{"login":"dave"},"labels":[{"name":"bug"}]},` + repository
	if extra != "" {
		body += "," + extra
	}
	return body + "}"
}

func TestRejectsNonPOST(t *testing.T) {
	f := newFixture()
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			f.handler.ServeHTTP(recorder, httptest.NewRequest(method, "/webhook", nil))
			if recorder.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", recorder.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture()
	body := issuesPayload("opened", "")

	request := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-GitHub-Event", "issues")
	request.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("ab", 32))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if len(f.queue.snapshot()) != 0 {
		t.Error("event queued despite bad signature")
	}
}

func TestIssueOpened(t *testing.T) {
	f := newFixture()

	if code := f.deliver("issues", "d1", issuesPayload("opened", "")); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	events := f.queue.snapshot()
	if len(events) != 1 {
		t.Fatalf("queued %d events, want 1", len(events))
	}
	event := events[0]
	if event.Kind != tsync.KindIssueOpened || event.DeliveryID != "d1" || event.InstallationID != 77 || event.Actor != "carol" {
		t.Errorf("event = %+v", event)
	}
	if diff := cmp.Diff(models.RepoRef{Owner: "acme", Name: "widgets"}, event.Repo); diff != "" {
		t.Errorf("repo mismatch (-want +got):\n%s", diff)
	}
	if event.Issue.Number != 42 || event.Issue.Author != "dave" || !event.Issue.HasLabel("bug") {
		t.Errorf("issue = %+v", event.Issue)
	}
}

func TestIssueActions(t *testing.T) {
	tests := []struct {
		name   string
		action string
		extra  string
		check  func(t *testing.T, event tsync.Event)
	}{
		{"edited title", "edited", `"changes":{"title":{"from":"Old title"}}`, func(t *testing.T, event tsync.Event) {
			if event.Kind != tsync.KindIssueEdited || event.PreviousTitle != "Old title" || !event.TitleChanged() {
				t.Errorf("event = %+v", event)
			}
		}},
		{"labeled", "labeled", `"label":{"name":"ui"}`, func(t *testing.T, event tsync.Event) {
			if event.Kind != tsync.KindIssueLabeled || event.Label != "ui" {
				t.Errorf("event = %+v", event)
			}
		}},
		{"demilestoned", "demilestoned", `"milestone":{"title":"v1.0"}`, func(t *testing.T, event tsync.Event) {
			if event.Kind != tsync.KindIssueDemilestoned || event.Milestone != "v1.0" {
				t.Errorf("event = %+v", event)
			}
		}},
		{"assigned", "assigned", `"assignee":{"login":"erin"}`, func(t *testing.T, event tsync.Event) {
			if event.Kind != tsync.KindIssueAssigned || event.Assignee != "erin" {
				t.Errorf("event = %+v", event)
			}
		}},
		{"closed", "closed", "", func(t *testing.T, event tsync.Event) {
			if event.Kind != tsync.KindIssueClosed {
				t.Errorf("kind = %s", event.Kind)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deliver("issues", "d-"+tt.action, issuesPayload(tt.action, tt.extra))
			events := f.queue.snapshot()
			if len(events) != 1 {
				t.Fatalf("queued %d events, want 1", len(events))
			}
			tt.check(t, events[0])
		})
	}
}

func TestIssueComment(t *testing.T) {
	f := newFixture()
	body := `{"action":"created","issue":{"number":42,"title":"Crash"},"comment":{"id":9,"body":"Same as #7","user":{"login":"carol"},"html_url":"https://github.com/acme/widgets/issues/42#issuecomment-9"},` + repository + `}`

	f.deliver("issue_comment", "d1", body)

	events := f.queue.snapshot()
	if len(events) != 1 {
		t.Fatalf("queued %d events, want 1", len(events))
	}
	comment := events[0].Comment
	if events[0].Kind != tsync.KindIssueCommented || comment == nil || comment.ID != 9 || comment.Author != "carol" || comment.Body != "Same as #7" {
		t.Errorf("event = %+v, comment = %+v", events[0], comment)
	}
}

func TestIgnoredDeliveries(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		body      string
	}{
		{"ping", "ping", `{"zen":"Keep it logically awesome."}`},
		{"pull request", "pull_request", `{"action":"opened","number":1}`},
		{"comment on pull request", "issue_comment", `{"action":"created","issue":{"number":3,"pull_request":{"url":"https://api.github.com/repos/acme/widgets/pulls/3"}},"comment":{"id":1,"body":"lgtm"},` + repository + `}`},
		{"edited comment", "issue_comment", `{"action":"edited","issue":{"number":3},"comment":{"id":1,"body":"x"},` + repository + `}`},
		{"unhandled action", "issues", issuesPayload("transferred", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if code := f.deliver(tt.eventType, "d1", tt.body); code != http.StatusOK {
				t.Errorf("status = %d, want 200", code)
			}
			if n := len(f.queue.snapshot()); n != 0 {
				t.Errorf("queued %d events, want 0", n)
			}
		})
	}
}

func TestMalformedPayloadAcknowledged(t *testing.T) {
	f := newFixture()
	if code := f.deliver("issues", "d1", `{"action":`); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if n := len(f.queue.snapshot()); n != 0 {
		t.Errorf("queued %d events, want 0", n)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	f := newFixture()
	body := issuesPayload("opened", "")

	f.deliver("issues", "d1", body)
	f.deliver("issues", "d1", body)
	if n := len(f.queue.snapshot()); n != 1 {
		t.Fatalf("queued %d events, want 1", n)
	}

	f.clock.Advance(DeduplicationWindow + time.Minute)
	f.deliver("issues", "d1", body)
	if n := len(f.queue.snapshot()); n != 2 {
		t.Errorf("queued %d events after window, want 2", n)
	}
}

func TestQueueFailureAllowsRetry(t *testing.T) {
	f := newFixture()
	body := issuesPayload("opened", "")

	f.queue.err = errors.New("dispatcher stopped")
	if code := f.deliver("issues", "d1", body); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}

	f.queue.err = nil
	f.deliver("issues", "d1", body)
	if n := len(f.queue.snapshot()); n != 1 {
		t.Errorf("queued %d events on retry, want 1", n)
	}
}
