// Package telegram handles the bot surface: incoming update dispatch and
// outgoing chat replies through the Bot API.
package telegram

import "encoding/json"

// Update is the subset of the Bot API update object the bot consumes.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

type User struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ParseUpdate decodes a raw webhook body.
func ParseUpdate(raw []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ChatID returns the originating chat, or 0 when the update carries none.
func (u *Update) ChatID() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return u.CallbackQuery.Message.Chat.ID
	default:
		return 0
	}
}

// LanguageCode returns the sender's language, defaulting to English.
func (u *Update) LanguageCode() string {
	var code string
	switch {
	case u.Message != nil && u.Message.From != nil:
		code = u.Message.From.LanguageCode
	case u.CallbackQuery != nil:
		code = u.CallbackQuery.From.LanguageCode
	}
	if code == "" {
		return "en"
	}
	return code
}
