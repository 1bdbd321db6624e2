package lead_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/leadvoice/internal/lead"
	"github.com/MrWong99/leadvoice/internal/transcript"
)

func TestExtractUpdate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		want   string
		info   lead.ClientInfo
		wantOK bool
	}{
		{
			name:   "no tag",
			text:   "Could I have your company name?",
			want:   "Could I have your company name?",
			wantOK: false,
		},
		{
			name:   "trailing tag",
			text:   `Thanks, I've noted that down. [[UPDATE_INFO: {"companyName": "Acme Inc", "phone": "123-456-7890"}]]`,
			want:   "Thanks, I've noted that down.",
			info:   lead.ClientInfo{CompanyName: "Acme Inc", Phone: "123-456-7890"},
			wantOK: true,
		},
		{
			name:   "tag without spaces",
			text:   `Great.[[UPDATE_INFO:{"phone":"555"}]]`,
			want:   "Great.",
			info:   lead.ClientInfo{Phone: "555"},
			wantOK: true,
		},
		{
			name:   "two tags merge in order",
			text:   `[[UPDATE_INFO: {"companyName": "Old"}]] Noted. [[UPDATE_INFO: {"companyName": "New", "phone": "1"}]]`,
			want:   "Noted.",
			info:   lead.ClientInfo{CompanyName: "New", Phone: "1"},
			wantOK: true,
		},
		{
			name:   "malformed payload is kept",
			text:   `Okay. [[UPDATE_INFO: {companyName: Acme}]]`,
			want:   `Okay. [[UPDATE_INFO: {companyName: Acme}]]`,
			wantOK: false,
		},
		{
			name:   "unknown fields ignored",
			text:   `Sure. [[UPDATE_INFO: {"companyName": "Acme", "email": "a@b.c"}]]`,
			want:   "Sure.",
			info:   lead.ClientInfo{CompanyName: "Acme"},
			wantOK: true,
		},
		{
			name:   "tag only",
			text:   `[[UPDATE_INFO: {"phone": "42"}]]`,
			want:   "",
			info:   lead.ClientInfo{Phone: "42"},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, info, ok := lead.ExtractUpdate(tt.text)
			if got != tt.want {
				t.Errorf("cleaned = %q; want %q", got, tt.want)
			}
			if info != tt.info {
				t.Errorf("info = %+v; want %+v", info, tt.info)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v; want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestStripTags(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`Noted. [[UPDATE_INFO: {"phone": "1"}]]`: "Noted.",
		`Noted. [[UPDATE_INFO: {"pho`:            "Noted.",
		"plain text":                             "plain text",
	}
	for in, want := range tests {
		if got := lead.StripTags(in); got != want {
			t.Errorf("StripTags(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestClientInfo_Merge(t *testing.T) {
	t.Parallel()

	base := lead.ClientInfo{CompanyName: "Acme", Phone: "1"}
	got := base.Merge(lead.ClientInfo{Phone: "  2  "})
	if got != (lead.ClientInfo{CompanyName: "Acme", Phone: "2"}) {
		t.Errorf("Merge = %+v", got)
	}
	if got := base.Merge(lead.ClientInfo{CompanyName: " "}); got != base {
		t.Errorf("blank fields should not override: %+v", got)
	}
	if !(lead.ClientInfo{}).IsZero() || base.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestParseServiceType(t *testing.T) {
	t.Parallel()

	for _, s := range lead.ServiceTypes() {
		got, err := lead.ParseServiceType(strings.ToLower(string(s)))
		if err != nil || got != s {
			t.Errorf("ParseServiceType(%q) = %q, %v", s, got, err)
		}
		if s.Title() == string(s) {
			t.Errorf("%s has no title", s)
		}
	}
	if _, err := lead.ParseServiceType("CATERING"); err == nil {
		t.Error("expected an error for an unknown service type")
	}
}

func TestInstructions(t *testing.T) {
	t.Parallel()

	if got := lead.Instructions("base", ""); got != "base" {
		t.Errorf("no service: %q", got)
	}

	got := lead.Instructions(lead.DefaultInstruction, lead.ServiceAppDev)
	if !strings.HasPrefix(got, lead.DefaultInstruction) {
		t.Error("base prompt not preserved")
	}
	if !strings.Contains(got, "CURRENT CONTEXT: The user is interested in Mobile App Development.") {
		t.Errorf("missing service context:\n%s", got)
	}
	if !strings.Contains(lead.DefaultInstruction, "[[UPDATE_INFO:") {
		t.Error("default prompt must describe the UPDATE_INFO tag")
	}
}

func TestLead_FilterMergesModelTags(t *testing.T) {
	t.Parallel()

	l := lead.New(lead.ServiceWebDev)
	if !l.Begin("s1") || l.Begin("s1") {
		t.Fatal("Begin should report a change only for a new session")
	}

	tag := `[[UPDATE_INFO: {"companyName": "Acme"}]]`
	if got := l.Filter(transcript.RoleUser, "hi "+tag); got != "hi "+tag {
		t.Errorf("user text rewritten: %q", got)
	}
	if got := l.Filter(transcript.RoleModel, "Thanks. "+tag); got != "Thanks." {
		t.Errorf("model text = %q", got)
	}
	l.Filter(transcript.RoleModel, `[[UPDATE_INFO: {"phone": "99"}]]`)

	snap := l.Snapshot()
	want := lead.Snapshot{
		SessionID: "s1",
		Service:   lead.ServiceWebDev,
		Info:      lead.ClientInfo{CompanyName: "Acme", Phone: "99"},
	}
	if snap != want {
		t.Errorf("Snapshot = %+v; want %+v", snap, want)
	}

	// Contact details carry over to the next call until Reset.
	l.Begin("s2")
	if got := l.Snapshot().Info.CompanyName; got != "Acme" {
		t.Errorf("company after new call = %q", got)
	}
	l.Reset()
	if snap := l.Snapshot(); !snap.Info.IsZero() || snap.SessionID != "" {
		t.Errorf("after Reset: %+v", snap)
	}
}

func TestLead_ConcurrentFilter(t *testing.T) {
	t.Parallel()

	l := lead.New(lead.ServiceGeneral)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 100 {
				l.Filter(transcript.RoleModel, `ok [[UPDATE_INFO: {"phone": "1"}]]`)
				_ = l.Snapshot()
			}
		})
	}
	wg.Wait()
	if l.Snapshot().Info.Phone != "1" {
		t.Error("phone not recorded")
	}
}
