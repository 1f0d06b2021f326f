package api

// UserInfo is the short user representation embedded in messages and chats.
type UserInfo struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName prefers the nickname over the username.
func (u UserInfo) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

type Message struct {
	ID      int64    `json:"id"`
	Content string   `json:"content"`
	FileURL string   `json:"file_url,omitempty"`
	Author  UserInfo `json:"author"`
	ChatID  int64    `json:"chat_id"`

	// Timestamp is kept as sent by the backend; see ParseTimestamp.
	Timestamp string `json:"timestamp"`
}

type Chat struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name,omitempty"`
	IsPrivate    bool       `json:"is_private"`
	CreatedAt    string     `json:"created_at"`
	Participants []UserInfo `json:"participants"`
	Messages     []Message  `json:"messages"`
}

// Title returns the group name, or the other participants' names for a
// direct chat.
func (c Chat) Title(self int64) string {
	if c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.ID != self {
			return p.DisplayName()
		}
	}
	return "chat"
}

type messageCreate struct {
	Content string `json:"content"`
}
