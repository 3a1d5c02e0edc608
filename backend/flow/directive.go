// ABOUTME: Directives returned to the caller after each step
// ABOUTME: Either a form to show next or a terminal create/abort result

package flow

import "github.com/glebsterx/yandex-smart-home/backend/models"

// DirectiveType distinguishes forms from terminal results.
type DirectiveType string

const (
	DirectiveForm        DirectiveType = "form"
	DirectiveCreateEntry DirectiveType = "create_entry"
	DirectiveAbort       DirectiveType = "abort"
)

// Abort reasons.
const (
	ReasonAccountUpdated    = "account_updated"
	ReasonAlreadyConfigured = "already_configured"
)

// Field describes one input the caller should collect.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Directive tells the caller what to do next.
type Directive struct {
	Type         DirectiveType     `json:"type"`
	Step         string            `json:"step,omitempty"`
	Fields       []Field           `json:"fields,omitempty"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Title        string            `json:"title,omitempty"`
	Account      *models.Account   `json:"-"`
	Reason       string            `json:"reason,omitempty"`
}

// Terminal reports whether the directive ends the flow.
func (d Directive) Terminal() bool {
	return d.Type != DirectiveForm
}

func methodOptions() []string {
	opts := make([]string, len(Methods))
	for i, m := range Methods {
		opts[i] = string(m)
	}
	return opts
}

var stepFields = map[State][]Field{
	StateStart: {
		{Name: "method", Type: "select", Required: true, Options: methodOptions(), Default: string(MethodAuth)},
	},
	StateAwaitingAuth: {
		{Name: "username", Type: "string", Required: true},
		{Name: "password", Type: "password", Required: true},
	},
	StateAwaitingCookies: {
		{Name: "cookies", Type: "text", Required: true},
	},
	StateAwaitingToken: {
		{Name: "token", Type: "password", Required: true},
	},
	StateAwaitingCaptcha: {
		{Name: "captcha_answer", Type: "string", Required: true},
	},
	StateAwaitingExternal: {
		{Name: "username", Type: "string", Required: true},
		{Name: "password", Type: "password", Required: true},
	},
	StateAwaitingOptions: {
		{Name: "skill_name", Type: "string"},
		{Name: "skill_user_id", Type: "string"},
	},
}

// Fields returns the input schema for a state.
func Fields(s State) []Field {
	src := stepFields[s]
	out := make([]Field, len(src))
	copy(out, src)
	return out
}

// formFor renders the form for the attempt's current state.
func formFor(a Attempt) Directive {
	d := Directive{
		Type:   DirectiveForm,
		Step:   a.State.Step(),
		Fields: Fields(a.State),
	}
	if a.Pending != nil {
		switch a.State {
		case StateAwaitingCaptcha:
			d.Placeholders = map[string]string{"captcha_url": a.Pending.CaptchaImageURL}
		case StateAwaitingExternal:
			d.Placeholders = map[string]string{"external_url": a.Pending.ExternalURL}
		case StateAwaitingOptions:
			d.Placeholders = map[string]string{"display_login": a.Pending.DisplayLogin}
		}
		if code := a.Pending.Error; code != "" && a.State.credentialState() {
			d.Errors = map[string]string{"base": code}
		}
	}
	return d
}

func missingFields(s State, fields map[string]string) []string {
	var missing []string
	for _, f := range stepFields[s] {
		if f.Required && fields[f.Name] == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}
