// Package lead holds the sales side of a call: which service the caller is
// asking about, the prompt that steers the model, and the contact details the
// model reports back through inline UPDATE_INFO tags.
package lead

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/MrWong99/leadvoice/internal/transcript"
)

// ServiceType is the kind of work a caller is enquiring about.
type ServiceType string

const (
	ServiceWebDev          ServiceType = "WEB_DEV"
	ServiceAppDev          ServiceType = "APP_DEV"
	ServiceImageProcessing ServiceType = "IMAGE_PROCESSING"
	ServiceVideoProcessing ServiceType = "VIDEO_PROCESSING"
	ServiceFAQ             ServiceType = "FAQ"
	ServiceGeneral         ServiceType = "GENERAL"
)

var serviceTitles = map[ServiceType]string{
	ServiceWebDev:          "Website Development",
	ServiceAppDev:          "Mobile App Development",
	ServiceImageProcessing: "Image Processing",
	ServiceVideoProcessing: "Video Services",
	ServiceFAQ:             "Frequently Asked Questions",
	ServiceGeneral:         "General Enquiry",
}

// ServiceTypes lists every known service type in display order.
func ServiceTypes() []ServiceType {
	return []ServiceType{
		ServiceWebDev, ServiceAppDev, ServiceImageProcessing,
		ServiceVideoProcessing, ServiceFAQ, ServiceGeneral,
	}
}

// IsValid reports whether s is a known service type.
func (s ServiceType) IsValid() bool {
	_, ok := serviceTitles[s]
	return ok
}

// Title returns the human-readable name of s, or s itself when unknown.
func (s ServiceType) Title() string {
	if t, ok := serviceTitles[s]; ok {
		return t
	}
	return string(s)
}

// ParseServiceType accepts the canonical upper-case name in any case.
func ParseServiceType(v string) (ServiceType, error) {
	s := ServiceType(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("lead: unknown service type %q", v)
	}
	return s, nil
}

// DefaultVoice is the prebuilt voice used when none is configured.
const DefaultVoice = "Puck"

// DefaultInstruction is the base system prompt. It makes the model collect
// contact details before anything else and report them in an UPDATE_INFO tag.
const DefaultInstruction = `You are the voice assistant of a software and media studio. You talk to
prospective clients and collect the requirements for their project.

Contact details come first. Open the conversation by asking for the caller's
company name and phone number, and do not discuss the project until you have
both. As soon as the caller gives you either of them, end your reply with a
tag in exactly this form:
[[UPDATE_INFO: {"companyName": "...", "phone": "..."}]]
For example: "Got it, thank you. [[UPDATE_INFO: {"companyName": "Acme Inc", "phone": "123-456-7890"}]]"
Never read the tag out loud.

Once you have the contact details, ask about the project:
- Websites: features, design and timeline.
- Apps: target platforms (iOS, Android) and core functions.
- Images and video: the source material and the result they want.

Keep every answer short and conversational; this is a phone call.`

// Instructions appends the current-service context to base. An empty service
// returns base unchanged.
func Instructions(base string, service ServiceType) string {
	if service == "" {
		return base
	}
	return base + fmt.Sprintf("\n\nCURRENT CONTEXT: The user is interested in %s. "+
		"REMEMBER: Ask for Company Name and Phone Number FIRST. "+
		"Only after you have those, start gathering requirements for %s.",
		service.Title(), service.Title())
}

// ── Contact extraction ────────────────────────────────────────────────────────

// ClientInfo is the contact information gathered during a call.
type ClientInfo struct {
	CompanyName string `json:"companyName,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// IsZero reports whether no field is set.
func (c ClientInfo) IsZero() bool { return c.CompanyName == "" && c.Phone == "" }

// Merge returns c with every non-empty field of o applied on top.
func (c ClientInfo) Merge(o ClientInfo) ClientInfo {
	if v := strings.TrimSpace(o.CompanyName); v != "" {
		c.CompanyName = v
	}
	if v := strings.TrimSpace(o.Phone); v != "" {
		c.Phone = v
	}
	return c
}

var updateTag = regexp.MustCompile(`\[\[UPDATE_INFO:\s*(\{.*?\})\s*\]\]`)

// ExtractUpdate finds UPDATE_INFO tags in text, merges their payloads in
// order and returns text with the decoded tags removed. A tag whose payload
// is not valid JSON is left in place. ok is false when nothing was decoded.
func ExtractUpdate(text string) (cleaned string, info ClientInfo, ok bool) {
	locs := updateTag.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, ClientInfo{}, false
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		var got ClientInfo
		if err := json.Unmarshal([]byte(text[loc[2]:loc[3]]), &got); err != nil {
			slog.Warn("lead: ignoring malformed UPDATE_INFO payload", "err", err)
			continue
		}
		info = info.Merge(got)
		ok = true
		b.WriteString(text[last:loc[0]])
		last = loc[1]
	}
	if !ok {
		return text, ClientInfo{}, false
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(b.String()), info, true
}

// StripTags removes UPDATE_INFO tags without decoding them. It is meant for
// live partial text, where a tag may still be incomplete.
func StripTags(text string) string {
	text = updateTag.ReplaceAllString(text, "")
	if i := strings.Index(text, "[[UPDATE_INFO"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// ── Lead record ───────────────────────────────────────────────────────────────

// Snapshot is a copy of a [Lead] at one point in time.
type Snapshot struct {
	SessionID string      `json:"sessionId"`
	Service   ServiceType `json:"serviceType"`
	Info      ClientInfo  `json:"clientInfo"`
}

// Lead tracks the service and contact details for the calls of one caller.
// Contact details survive across calls until [Lead.Reset].
//
// All methods are safe for concurrent use.
type Lead struct {
	mu        sync.Mutex
	service   ServiceType
	sessionID string
	info      ClientInfo
}

// New returns a Lead for service.
func New(service ServiceType) *Lead {
	return &Lead{service: service}
}

// Begin records the session a new call runs under. It reports whether the
// session changed.
func (l *Lead) Begin(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sessionID == "" || sessionID == l.sessionID {
		return false
	}
	l.sessionID = sessionID
	return true
}

// SetService changes the service the next messages are attributed to.
func (l *Lead) SetService(s ServiceType) {
	l.mu.Lock()
	l.service = s
	l.mu.Unlock()
}

// Filter is a commit filter for the call controller. Model messages have
// their UPDATE_INFO tags merged into the lead and removed from the text.
func (l *Lead) Filter(role transcript.Role, text string) string {
	if role != transcript.RoleModel {
		return text
	}
	cleaned, info, ok := ExtractUpdate(text)
	if !ok {
		return text
	}
	l.mu.Lock()
	l.info = l.info.Merge(info)
	merged := l.info
	l.mu.Unlock()
	slog.Info("lead: contact details updated", "company", merged.CompanyName, "has_phone", merged.Phone != "")
	return cleaned
}

// Snapshot returns the current state.
func (l *Lead) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{SessionID: l.sessionID, Service: l.service, Info: l.info}
}

// Reset forgets the contact details and the session, ready for a new caller.
func (l *Lead) Reset() {
	l.mu.Lock()
	l.sessionID = ""
	l.info = ClientInfo{}
	l.mu.Unlock()
}
