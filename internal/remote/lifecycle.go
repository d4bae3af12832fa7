package remote

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// NoticeKind identifies a lifecycle event worth telling the user about.
type NoticeKind string

const (
	NoticeKeyInvalid          NoticeKind = "api_key_invalid"
	NoticeSubscriptionExpired NoticeKind = "subscription_expired"
	NoticeCollectionStopped   NoticeKind = "collection_stopped"
)

// Notifier presents lifecycle notices to the user.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// LogNotifier writes notices to the log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(kind NoticeKind, message string) {
	n.Logger.Warn().Str("notice", string(kind)).Msg(message)
}

// Sentinels found in 2xx response bodies, lower case.
var (
	keySentinels = [][]byte{
		[]byte("invalid api key"),
		[]byte("api key is invalid"),
		[]byte("key revoked"),
		[]byte("api key revoked"),
	}
	subscriptionSentinels = [][]byte{
		[]byte("subscription expired"),
	}
	collectionSentinels = [][]byte{
		[]byte("activity data stopped being collected"),
	}
)

// Status is a snapshot of the lifecycle state.
type Status struct {
	HasAPIKey   bool   `json:"hasApiKey"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pauseReason,omitempty"`
}

// Lifecycle owns the API key and the collection pause flag, and reacts to
// business-level rejections found in successful responses.
type Lifecycle struct {
	mu          sync.RWMutex
	apiKey      string
	paused      bool
	pauseReason NoticeKind
	notifier    Notifier
	logger      zerolog.Logger
}

var _ ResponseInspector = (*Lifecycle)(nil)

// NewLifecycle creates a lifecycle holding apiKey (may be empty).
func NewLifecycle(apiKey string, notifier Notifier, logger zerolog.Logger) *Lifecycle {
	logger = logger.With().Str("component", "lifecycle").Logger()
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Lifecycle{apiKey: apiKey, notifier: notifier, logger: logger}
}

// APIKey returns the active key and whether there is one.
func (l *Lifecycle) APIKey() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.apiKey, l.apiKey != ""
}

// SetAPIKey installs a new key and resumes a collection paused for a key or
// subscription problem.
func (l *Lifecycle) SetAPIKey(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apiKey = key
	if key != "" && l.paused {
		l.paused = false
		l.pauseReason = ""
	}
}

// ClearAPIKey forgets the key.
func (l *Lifecycle) ClearAPIKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apiKey = ""
}

// Paused reports whether collection is paused.
func (l *Lifecycle) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// Status returns a snapshot of the lifecycle state.
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{HasAPIKey: l.apiKey != "", Paused: l.paused, PauseReason: string(l.pauseReason)}
}

// Resume lifts a collection pause.
func (l *Lifecycle) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = false
	l.pauseReason = ""
}

// Inspect implements ResponseInspector.
func (l *Lifecycle) Inspect(body []byte) {
	if len(body) == 0 {
		return
	}
	lower := bytes.ToLower(body)
	switch {
	case containsAny(lower, keySentinels):
		l.ClearAPIKey()
		l.logger.Warn().Msg("api key rejected by sample service, cleared")
		l.notifier.Notify(NoticeKeyInvalid, "Your API key is invalid or has been revoked.")
	case containsAny(lower, subscriptionSentinels):
		l.pause(NoticeSubscriptionExpired)
		l.notifier.Notify(NoticeSubscriptionExpired, "Your subscription has expired. Activity collection is paused.")
	case containsAny(lower, collectionSentinels):
		l.pause(NoticeCollectionStopped)
		l.notifier.Notify(NoticeCollectionStopped, "Activity data stopped being collected.")
	}
}

func (l *Lifecycle) pause(reason NoticeKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	l.pauseReason = reason
	l.logger.Warn().Str("reason", string(reason)).Msg("activity collection paused")
}

func containsAny(body []byte, needles [][]byte) bool {
	for _, n := range needles {
		if bytes.Contains(body, n) {
			return true
		}
	}
	return false
}
