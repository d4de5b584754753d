package message

import (
	"testing"

	"github.com/danmuck/castctl/internal/testutil/testlog"
)

func TestFindMatchesOnlyRequestedApp(t *testing.T) {
	testlog.Start(t)
	var status ReceiverStatus
	status.Status.Applications = []Application{
		{AppID: "OTHER", SessionID: "s-other", TransportID: "t-other"},
		{AppID: DefaultMediaReceiver, SessionID: "s-media", TransportID: "t-media"},
		{AppID: "IDLE", SessionID: "s-idle"},
	}

	app, ok := status.Find(DefaultMediaReceiver)
	if !ok || app.SessionID != "s-media" || app.TransportID != "t-media" {
		t.Fatalf("find media receiver got=%+v ok=%v", app, ok)
	}
	if app, ok := status.Find("MISSING"); ok {
		t.Fatalf("another running app was captured: %+v", app)
	}
	if app, ok := status.Find("IDLE"); ok {
		t.Fatalf("app without transport reported: %+v", app)
	}
}
