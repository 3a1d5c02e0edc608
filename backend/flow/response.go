// ABOUTME: Identity provider response value and its classification
// ABOUTME: Classify is the pure transition function of the login state machine

package flow

import "fmt"

// LoginResponse is the outcome of one identity-provider exchange. Exactly one
// of OK, CaptchaImageURL, ExternalURL and Error is active.
type LoginResponse struct {
	OK              bool   `json:"ok,omitempty"`
	CaptchaImageURL string `json:"captcha_image_url,omitempty"`
	ExternalURL     string `json:"external_url,omitempty"`
	Error           string `json:"error,omitempty"`
	DisplayLogin    string `json:"display_login,omitempty"`
	XToken          string `json:"x_token,omitempty"`
}

// Success builds an ok response.
func Success(displayLogin, xToken string) *LoginResponse {
	return &LoginResponse{OK: true, DisplayLogin: displayLogin, XToken: xToken}
}

// Captcha builds a captcha-required response.
func Captcha(imageURL string) *LoginResponse {
	return &LoginResponse{CaptchaImageURL: imageURL}
}

// External builds a redirect-required response.
func External(url string) *LoginResponse {
	return &LoginResponse{ExternalURL: url}
}

// Failure builds a retryable error response.
func Failure(code string) *LoginResponse {
	return &LoginResponse{Error: code}
}

func (r *LoginResponse) active() int {
	n := 0
	if r.OK {
		n++
	}
	if r.CaptchaImageURL != "" {
		n++
	}
	if r.ExternalURL != "" {
		n++
	}
	if r.Error != "" {
		n++
	}
	return n
}

// Validate enforces the mutual-exclusion invariant.
func (r *LoginResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil response", ErrUnclassifiedResponse)
	}
	switch r.active() {
	case 0:
		return ErrUnclassifiedResponse
	case 1:
	default:
		return fmt.Errorf("%w: %s", ErrAmbiguousResponse, r.describe())
	}
	if r.OK && (r.DisplayLogin == "" || r.XToken == "") {
		return ErrIncompleteResponse
	}
	return nil
}

func (r *LoginResponse) describe() string {
	return fmt.Sprintf("ok=%t captcha=%t external=%t error=%q",
		r.OK, r.CaptchaImageURL != "", r.ExternalURL != "", r.Error)
}

// Classify maps a provider response to the next state. origin is the
// credential-submission state that began the current round; an error
// response returns there. An origin that is not auth, cookies or token
// falls back to the password form.
func Classify(resp *LoginResponse, origin State) (State, error) {
	if err := resp.Validate(); err != nil {
		return origin, err
	}
	switch {
	case resp.OK:
		return StateAwaitingOptions, nil
	case resp.CaptchaImageURL != "":
		return StateAwaitingCaptcha, nil
	case resp.ExternalURL != "":
		return StateAwaitingExternal, nil
	default:
		if !origin.credentialState() {
			return StateAwaitingAuth, nil
		}
		return origin, nil
	}
}
