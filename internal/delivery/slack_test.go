package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
)

func TestSlackHandlerPostsToThread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("channel") != "C42" || r.FormValue("thread_ts") != "1700.1" || r.FormValue("text") != "done" {
			t.Errorf("unexpected form %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C42","ts":"1700.2"}`))
	}))
	defer server.Close()

	reg := NewRegistry()
	reg.Register("slack:", Slack(slack.New("xoxb-test", slack.OptionAPIURL(server.URL+"/"))))

	if err := reg.Deliver(context.Background(), "slack:C42:1700.1", "done"); err != nil {
		t.Fatal(err)
	}
}

func TestSlackHandlerNeedsChannel(t *testing.T) {
	if err := Slack(slack.New("x"))(context.Background(), "", "hi"); err == nil {
		t.Error("expected error for empty channel")
	}
}
