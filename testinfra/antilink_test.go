// Package testinfra runs end-to-end tests against a real Mattermost server
// with a running mattermost-antilink bot attached to it.
//
// The bot must already be online and be a channel admin in MM_CHANNEL_ID.
// MM_ADMIN_TOKEN belongs to a channel admin; MM_USER_TOKEN to a regular
// member who gets removed during the run.
//
// Run:  cd testinfra && go test ./...
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Constants & shared state
// ────────────────────────────────────────────────────────────────────

const (
	enabledText  = "✅ Anti-link has been *enabled*."
	disabledText = "❌ Anti-link has been *disabled*."
	warningText  = "🚫 Link detected, removing @"

	pollTimeout = 20 * time.Second
	quietPeriod = 5 * time.Second
)

var (
	mmURL      string
	adminToken string // channel admin
	userToken  string // regular member, removed by the bot during tests
	userID     string
	userName   string
	channelID  string
	botUserID  string
	metricsURL string
)

func TestMain(m *testing.M) {
	mmURL = strings.TrimSuffix(envOr("MM_URL", "http://localhost:18065"), "/")
	adminToken = os.Getenv("MM_ADMIN_TOKEN")
	userToken = os.Getenv("MM_USER_TOKEN")
	channelID = os.Getenv("MM_CHANNEL_ID")
	botUserID = os.Getenv("ANTILINK_BOT_USER_ID")
	metricsURL = os.Getenv("ANTILINK_METRICS_URL")

	if adminToken == "" || userToken == "" || channelID == "" || botUserID == "" {
		fmt.Println("SKIP: MM_ADMIN_TOKEN, MM_USER_TOKEN, MM_CHANNEL_ID and ANTILINK_BOT_USER_ID required")
		os.Exit(0)
	}

	status, me := doJSONRaw("GET", mmURL+"/api/v4/users/me", nil, userToken)
	if status != http.StatusOK {
		fmt.Printf("SKIP: MM_USER_TOKEN rejected (HTTP %d)\n", status)
		os.Exit(0)
	}
	userID, _ = me["id"].(string)
	userName, _ = me["username"].(string)

	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	status, result := doJSONRaw(method, url, body, token)
	if status == 0 {
		t.Fatalf("HTTP %s %s failed", method, url)
	}
	return status, result
}

func doJSONRaw(method, url string, body any, token string) (int, map[string]any) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result
}

// ────────────────────────────────────────────────────────────────────
// Mattermost helpers
// ────────────────────────────────────────────────────────────────────

func post(t *testing.T, token, message string) string {
	t.Helper()
	status, result := doJSON(t, "POST", mmURL+"/api/v4/posts", map[string]any{
		"channel_id": channelID,
		"message":    message,
	}, token)
	if status != http.StatusCreated {
		t.Fatalf("create post: HTTP %d: %v", status, result)
	}
	id, _ := result["id"].(string)
	return id
}

func ensureMember(t *testing.T) {
	t.Helper()
	status, result := doJSON(t, "POST", mmURL+"/api/v4/channels/"+channelID+"/members",
		map[string]any{"user_id": userID}, adminToken)
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("add member: HTTP %d: %v", status, result)
	}
}

func isMember(t *testing.T) bool {
	t.Helper()
	status, _ := doJSON(t, "GET", mmURL+"/api/v4/channels/"+channelID+"/members/"+userID, nil, adminToken)
	return status == http.StatusOK
}

func postExists(t *testing.T, postID string) bool {
	t.Helper()
	status, _ := doJSON(t, "GET", mmURL+"/api/v4/posts/"+postID, nil, adminToken)
	return status == http.StatusOK
}

// botPostsSince returns the bot's messages in the channel newer than since.
func botPostsSince(t *testing.T, since time.Time) []string {
	t.Helper()
	url := fmt.Sprintf("%s/api/v4/channels/%s/posts?since=%d", mmURL, channelID, since.UnixMilli())
	status, result := doJSON(t, "GET", url, nil, adminToken)
	if status != http.StatusOK {
		return nil
	}
	posts, _ := result["posts"].(map[string]any)
	var out []string
	for _, raw := range posts {
		p, _ := raw.(map[string]any)
		if uid, _ := p["user_id"].(string); uid != botUserID {
			continue
		}
		if msg, _ := p["message"].(string); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

func pollFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitBotMessage(t *testing.T, since time.Time, prefix string) {
	t.Helper()
	pollFor(t, fmt.Sprintf("bot message %q", prefix), func() bool {
		for _, m := range botPostsSince(t, since) {
			if strings.HasPrefix(m, prefix) {
				return true
			}
		}
		return false
	})
}

func setPolicy(t *testing.T, on bool) {
	t.Helper()
	cmd, want := "!antilink off", disabledText
	if on {
		cmd, want = "!antilink on", enabledText
	}
	since := time.Now().Add(-time.Second)
	post(t, adminToken, cmd)
	waitBotMessage(t, since, want)
}

// ────────────────────────────────────────────────────────────────────
// Tests
// ────────────────────────────────────────────────────────────────────

func TestMattermostHealthy(t *testing.T) {
	status, _ := doJSON(t, "GET", mmURL+"/api/v4/system/ping", nil, "")
	if status != http.StatusOK {
		t.Fatalf("Mattermost ping: HTTP %d", status)
	}
}

func TestBotHealthy(t *testing.T) {
	if metricsURL == "" {
		t.Skip("ANTILINK_METRICS_URL not set")
	}
	resp, err := http.Get(strings.TrimSuffix(metricsURL, "/") + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: HTTP %d, bot not attached to its session", resp.StatusCode)
	}
}

func TestMemberCommandIsIgnored(t *testing.T) {
	ensureMember(t)
	since := time.Now().Add(-time.Second)
	post(t, userToken, "!antilink off")
	time.Sleep(quietPeriod)
	for _, m := range botPostsSince(t, since) {
		if m == disabledText {
			t.Fatal("bot obeyed a command from a regular member")
		}
	}
}

func TestLinkPosterIsRemoved(t *testing.T) {
	setPolicy(t, true)
	ensureMember(t)

	since := time.Now().Add(-time.Second)
	postID := post(t, userToken, "free stuff at https://example.com/deal")

	waitBotMessage(t, since, warningText+userName)
	pollFor(t, "link post deleted", func() bool { return !postExists(t, postID) })
	pollFor(t, "link poster removed", func() bool { return !isMember(t) })
}

func TestAdminLinkIsKept(t *testing.T) {
	setPolicy(t, true)
	postID := post(t, adminToken, "docs live at docs.example.com")
	time.Sleep(quietPeriod)
	if !postExists(t, postID) {
		t.Fatal("admin link post was deleted")
	}
}

func TestDisabledPolicyAllowsLinks(t *testing.T) {
	setPolicy(t, false)
	t.Cleanup(func() { setPolicy(t, true) })
	ensureMember(t)

	postID := post(t, userToken, "see www.example.org")
	time.Sleep(quietPeriod)
	if !postExists(t, postID) {
		t.Error("link post deleted while policy is off")
	}
	if !isMember(t) {
		t.Error("member removed while policy is off")
	}
}

func TestPlainTextIsAllowed(t *testing.T) {
	setPolicy(t, true)
	ensureMember(t)

	postID := post(t, userToken, "good morning everyone")
	time.Sleep(quietPeriod)
	if !postExists(t, postID) || !isMember(t) {
		t.Error("plain text message triggered enforcement")
	}
}
