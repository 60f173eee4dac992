package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"clawd/internal/logging"
)

// githubPayload is the subset of GitHub's webhook JSON the dispatcher
// cares about. One shape covers every event kind; absent sections stay
// zero.
type githubPayload struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
	Action  string `json:"action"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"pull_request"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
	WorkflowRun struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HTMLURL    string `json:"html_url"`
	} `json:"workflow_run"`
	Release struct {
		Name    string `json:"name"`
		TagName string `json:"tag_name"`
	} `json:"release"`
}

// Handler is the HTTP ingress for GitHub webhooks: it verifies the
// request signature, translates the payload into an Event, and hands it
// to the dispatcher.
type Handler struct {
	dispatcher *Dispatcher
	secret     []byte
	log        *logging.Logger
}

// NewHandler builds the ingress. An empty secret disables signature
// checking; only do that behind a trusted proxy.
func NewHandler(d *Dispatcher, secret string) *Handler {
	return &Handler{
		dispatcher: d,
		secret:     []byte(secret),
		log:        logging.Get(logging.CategoryWebhook),
	}
}

// ServeHTTP implements http.Handler for the webhook endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 {
		if !h.verify(r.Header.Get("X-Hub-Signature-256"), body) {
			h.log.Warn("webhook signature mismatch from %s", r.RemoteAddr)
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
	}

	kind := r.Header.Get("X-GitHub-Event")
	ev, err := parseGitHub(kind, body)
	if err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.Handle(r.Context(), ev); err != nil {
		h.log.Error("dispatch %s event: %v", kind, err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) verify(header string, body []byte) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

// parseGitHub translates one GitHub webhook payload into an Event.
func parseGitHub(kind string, body []byte) (Event, error) {
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("parse %s payload: %w", kind, err)
	}

	ev := Event{
		Kind:   kind,
		Repo:   p.Repository.Name,
		Sender: p.Sender.Login,
		Action: p.Action,
	}
	switch kind {
	case "push":
		ev.Ref = shortRef(p.Ref)
		ev.Commits = len(p.Commits)
	case "pull_request":
		ev.Number = p.PullRequest.Number
		ev.Title = p.PullRequest.Title
	case "issues":
		ev.Number = p.Issue.Number
		ev.Title = p.Issue.Title
	case "workflow_run":
		ev.Title = p.WorkflowRun.Name
		ev.Outcome = p.WorkflowRun.Conclusion
		ev.URL = p.WorkflowRun.HTMLURL
	case "create":
		ev.Ref = p.Ref
		if p.RefType != "" {
			ev.Ref = p.RefType + " " + p.Ref
		}
	case "release":
		ev.Title = p.Release.Name
		if ev.Title == "" {
			ev.Title = p.Release.TagName
		}
	}
	return ev, nil
}

// shortRef strips the refs/heads/ prefix from a push ref.
func shortRef(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}
