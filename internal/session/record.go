package session

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the server-side state of one session.
type Record struct {
	// Owner is the session key the record was issued or migrated under. A
	// record reachable under any other key was planted.
	Owner        string            `json:"owner"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	LastRotation time.Time         `json:"last_rotation"`
	UserAgent    string            `json:"user_agent,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Locked       bool              `json:"locked,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

func (r *Record) encode() ([]byte, error) { return json.Marshal(r) }

func decode(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

var keyRe = regexp.MustCompile(`^[a-z0-9]{32}$`)

// ValidKey reports whether key has the shape this package issues.
func ValidKey(key string) bool { return keyRe.MatchString(key) }

func newKey() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
