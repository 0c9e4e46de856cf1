package session

import (
	"strings"

	"medilink-signal/internal/domain/user"
)

// Device is what a user agent string reveals about the client.
type Device struct {
	Browser string
	OS      string
	Mobile  bool
}

// Name is the display name that, with user id and IP, identifies a session.
func (d Device) Name() string {
	return d.Browser + " on " + d.OS
}

func (d Device) Type() user.DeviceType {
	if d.Mobile {
		return user.DeviceMobile
	}
	return user.DeviceDesktop
}

type Classifier interface {
	Classify(userAgent string) Device
}

type ClassifierFunc func(userAgent string) Device

func (f ClassifierFunc) Classify(userAgent string) Device { return f(userAgent) }

type uaRule struct {
	token string
	name  string
}

// Order matters: Edge and Opera also advertise Chrome, Chrome advertises
// Safari, and Android advertises Linux.
var (
	browserRules = []uaRule{
		{"Edg", "Edge"},
		{"OPR", "Opera"},
		{"Firefox", "Firefox"},
		{"Chrome", "Chrome"},
		{"Safari", "Safari"},
	}
	osRules = []uaRule{
		{"Windows", "Windows"},
		{"Android", "Android"},
		{"iPhone", "iOS"},
		{"iPad", "iOS"},
		{"Mac OS", "macOS"},
		{"Linux", "Linux"},
	}
	mobileTokens = []string{"Mobi", "Android", "iPhone", "iPad"}
)

// UserAgentClassifier is a substring heuristic over common user agents.
// Anything it does not recognise is reported as "Unknown".
type UserAgentClassifier struct{}

func (UserAgentClassifier) Classify(ua string) Device {
	d := Device{Browser: "Unknown", OS: "Unknown"}
	for _, r := range browserRules {
		if strings.Contains(ua, r.token) {
			d.Browser = r.name
			break
		}
	}
	for _, r := range osRules {
		if strings.Contains(ua, r.token) {
			d.OS = r.name
			break
		}
	}
	for _, tok := range mobileTokens {
		if strings.Contains(ua, tok) {
			d.Mobile = true
			break
		}
	}
	return d
}
