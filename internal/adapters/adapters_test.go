package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clawd/internal/store"
)

func TestSimulatedRunnerNeverSpawns(t *testing.T) {
	r := NewSimulatedRunner()
	res, err := r.Run(context.Background(), "vercel", []string{"--prod", "--yes"}, "/srv/bot", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Simulated {
		t.Fatalf("result = %+v, want simulated success", res)
	}
	if !strings.Contains(res.Stdout, "[DEV MODE] would execute vercel --prod --yes") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecRunnerCapturesOutputAndExitStatus(t *testing.T) {
	r := NewExecRunner()

	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.Contains(res.Stdout, "out") || !strings.Contains(res.Stderr, "err") {
		t.Errorf("result = %+v", res)
	}

	res, err = r.Run(context.Background(), "sh", []string{"-c", "exit 3"}, t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("non-zero exit reported success")
	}
}

func TestExecRunnerTimeoutKills(t *testing.T) {
	r := NewExecRunner()
	start := time.Now()
	res, err := r.Run(context.Background(), "sh", []string{"-c", "sleep 5"}, t.TempDir(), 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Killed || res.Success {
		t.Errorf("result = %+v, want killed", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not enforced")
	}
}

func TestExecRunnerSpawnFailureIsError(t *testing.T) {
	r := NewExecRunner()
	if _, err := r.Run(context.Background(), "definitely-not-a-binary-xyz", nil, t.TempDir(), time.Second); err == nil {
		t.Error("missing binary did not error")
	}
}

func TestGitHubFacadeRequestShape(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[{"name":"aws-clawd-bot","full_name":"me/aws-clawd-bot","default_branch":"main"}]`))
	}))
	defer srv.Close()

	g := NewGitHub("tok", "me")
	g.baseURL = srv.URL

	repos, err := g.ListRepos(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 || repos[0].Name != "aws-clawd-bot" {
		t.Errorf("repos = %+v", repos)
	}
	if gotPath != "/users/me/repos" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
}

func TestGitHubNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGitHub("tok", "me")
	g.baseURL = srv.URL
	if _, err := g.ListIssues(context.Background(), "gone"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want status 404", err)
	}
}

func TestGroqTranscriberRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("bad multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-large-v3" {
			t.Errorf("model = %q", got)
		}
		w.Write([]byte(`{"text":"remind me standup in 5 m"}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(audio, []byte("fake-audio"), 0644); err != nil {
		t.Fatal(err)
	}

	tr := NewGroqTranscriber("key", "")
	tr.baseURL = srv.URL
	text, err := tr.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatal(err)
	}
	if text != "remind me standup in 5 m" {
		t.Errorf("text = %q", text)
	}
}

func TestSecretStoreRoundTrip(t *testing.T) {
	st, err := store.New(store.Options{Path: filepath.Join(t.TempDir(), "sec.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ss, err := NewSecretStore(st, "hunter2-passphrase", "k1", "owner")
	if err != nil {
		t.Fatal(err)
	}
	if err := ss.Store("vercel-token", "tok_abc123", "owner"); err != nil {
		t.Fatal(err)
	}

	got, err := ss.Retrieve("vercel-token", "owner")
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok_abc123" {
		t.Errorf("retrieved = %q", got)
	}

	// The row at rest must not contain the plaintext.
	sec, err := st.GetSecret("vercel-token", "owner")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(sec.EncryptedValue), "tok_abc123") {
		t.Error("secret stored in plaintext")
	}

	if err := ss.Delete("vercel-token", "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := ss.Retrieve("vercel-token", "owner"); err == nil {
		t.Error("deleted secret still retrievable")
	}
}

func TestMemoryMessengerRecords(t *testing.T) {
	m := NewMemoryMessenger()
	if err := m.Send(context.Background(), "C1", "hello"); err != nil {
		t.Fatal(err)
	}
	sends := m.Sends()
	if len(sends) != 1 || sends[0].ChatID != "C1" || sends[0].Text != "hello" {
		t.Errorf("sends = %+v", sends)
	}
}
