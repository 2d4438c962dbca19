package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Session identifies one conversation. Identity is (channel, chat_id);
// the session id is derived and stable across restarts.
type Session struct {
	ID      string `json:"session_id"`
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// Key returns the human-readable composite key for a chat.
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}

// DeriveID computes the stable session id for a chat. The same
// (channel, chat_id) pair always yields the same id.
func DeriveID(channel, chatID string) string {
	sum := sha256.Sum256([]byte(Key(channel, chatID)))
	return "sess-" + hex.EncodeToString(sum[:8])
}

// New builds a Session with its derived id.
func New(channel, chatID string) Session {
	return Session{ID: DeriveID(channel, chatID), Channel: channel, ChatID: chatID}
}

// ParseKey splits a composite key back into channel and chat id.
func ParseKey(key string) (channel, chatID string, err error) {
	idx := strings.Index(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("invalid session key %q", key)
	}
	return key[:idx], key[idx+1:], nil
}
