// ABOUTME: Persisted Yandex account entries and their credential blobs
// ABOUTME: Credentials are stored opaquely and never rendered in API responses

package models

import (
	"errors"
	"time"
)

// SkillBinding associates an account with a Yandex voice-skill identity.
type SkillBinding struct {
	Name   string `json:"skill_name"`
	UserID string `json:"skill_user_id"`
}

// NewSkillBinding returns nil when both values are empty.
func NewSkillBinding(name, userID string) *SkillBinding {
	if name == "" && userID == "" {
		return nil
	}
	return &SkillBinding{Name: name, UserID: userID}
}

// CredentialBlob holds the tokens issued for an account. MusicToken, Cookie
// and Extra are session artifacts carried forward opaquely across logins.
type CredentialBlob struct {
	XToken     string            `json:"x_token"`
	MusicToken string            `json:"music_token,omitempty"`
	Cookie     string            `json:"cookie,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Merge returns b with any artifacts present in prev but absent from b.
func (b CredentialBlob) Merge(prev CredentialBlob) CredentialBlob {
	out := b
	if out.XToken == "" {
		out.XToken = prev.XToken
	}
	if out.MusicToken == "" {
		out.MusicToken = prev.MusicToken
	}
	if out.Cookie == "" {
		out.Cookie = prev.Cookie
	}
	if len(prev.Extra) > 0 {
		extra := make(map[string]string, len(prev.Extra)+len(b.Extra))
		for k, v := range prev.Extra {
			extra[k] = v
		}
		for k, v := range b.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// Account is one persisted identity, unique by UniqueID.
type Account struct {
	ID          string         `json:"id"`
	UniqueID    string         `json:"unique_id"`
	Title       string         `json:"title"`
	Credentials CredentialBlob `json:"credentials"`
	Skill       *SkillBinding  `json:"skill,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AccountResponse is the API view of an Account.
type AccountResponse struct {
	ID            string        `json:"id"`
	UniqueID      string        `json:"unique_id"`
	Title         string        `json:"title"`
	Skill         *SkillBinding `json:"skill,omitempty"`
	HasXToken     bool          `json:"has_x_token"`
	HasMusicToken bool          `json:"has_music_token"`
	HasCookie     bool          `json:"has_cookie"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewAccountResponse renders a without credential values.
func NewAccountResponse(a *Account) *AccountResponse {
	if a == nil {
		return nil
	}
	return &AccountResponse{
		ID:            a.ID,
		UniqueID:      a.UniqueID,
		Title:         a.Title,
		Skill:         a.Skill,
		HasXToken:     a.Credentials.XToken != "",
		HasMusicToken: a.Credentials.MusicToken != "",
		HasCookie:     a.Credentials.Cookie != "",
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// Account store sentinels.
var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountChanged  = errors.New("account changed since it was read")
)
