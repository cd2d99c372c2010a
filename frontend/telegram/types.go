package telegram

// Telegram Bot API wire types. Only the fields this adapter reads are
// modelled.

// Update is one incoming update.
type Update struct {
	UpdateID int64      `json:"update_id"`
	Message  *TGMessage `json:"message,omitempty"`
}

// TGMessage is a Telegram message.
type TGMessage struct {
	MessageID      int64       `json:"message_id"`
	From           *TGUser     `json:"from,omitempty"`
	Chat           TGChat      `json:"chat"`
	Date           int64       `json:"date"` // Unix seconds
	Text           string      `json:"text,omitempty"`
	Photo          []PhotoSize `json:"photo,omitempty"`
	Caption        string      `json:"caption,omitempty"`
	ReplyToMessage *TGMessage  `json:"reply_to_message,omitempty"`
}

// TGChat is a Telegram chat.
type TGChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group", "supergroup", "channel"
	Title string `json:"title,omitempty"`
}

// TGUser is a Telegram user.
type TGUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// PhotoSize is one resolution of a photo. Telegram sends several sizes;
// the last entry is the largest.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
}

// TGFile is the getFile result used to build a download URL.
type TGFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
}
