// ABOUTME: Interactive login flow as a bubbletea model
// ABOUTME: Renders each broker directive as a huh form and submits it step by step

package login

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"

	"github.com/glebsterx/yandex-smart-home/cli/internal/client"
	"github.com/glebsterx/yandex-smart-home/cli/internal/tui/styles"
)

// Stepper is the part of the broker API the login screen drives.
type Stepper interface {
	StartFlow(ctx context.Context) (*client.FlowResponse, error)
	GetFlow(ctx context.Context, id string) (*client.FlowResponse, error)
	SubmitStep(ctx context.Context, id, step string, fields map[string]string) (*client.FlowResponse, error)
	CancelFlow(ctx context.Context, id string) error
}

type flowMsg struct{ flow *client.FlowResponse }

type errMsg struct{ err error }

type cancelledMsg struct{}

// Model walks one login flow from the method choice to a terminal directive.
type Model struct {
	ctx     context.Context
	api     Stepper
	resume  string
	flow    *client.FlowResponse
	form    *huh.Form
	values  map[string]*string
	spinner spinner.Model
	busy    bool
	notice  string
	err     error

	cancelled bool
}

// New creates a login model. Init starts a new flow, or picks up flowID
// when it is not empty.
func New(ctx context.Context, api Stepper, flowID string) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.KeyStyle
	return &Model{ctx: ctx, api: api, resume: flowID, spinner: s, busy: true}
}

// Result returns the terminal directive's flow, or nil if the flow never finished.
func (m *Model) Result() *client.FlowResponse {
	if m.flow == nil || !m.flow.Directive.Terminal() {
		return nil
	}
	return m.flow
}

// Err returns the error that ended the flow.
func (m *Model) Err() error { return m.err }

// Cancelled reports whether the user abandoned the flow.
func (m *Model) Cancelled() bool { return m.cancelled }

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start())
}

func (m *Model) start() tea.Cmd {
	return func() tea.Msg {
		var f *client.FlowResponse
		var err error
		if m.resume != "" {
			f, err = m.api.GetFlow(m.ctx, m.resume)
		} else {
			f, err = m.api.StartFlow(m.ctx)
		}
		if err != nil {
			return errMsg{err}
		}
		return flowMsg{f}
	}
}

func (m *Model) submit() tea.Cmd {
	id, step, fields := m.flow.FlowID, m.flow.Directive.Step, m.fields()
	return func() tea.Msg {
		f, err := m.api.SubmitStep(m.ctx, id, step, fields)
		if err != nil {
			return errMsg{err}
		}
		return flowMsg{f}
	}
}

func (m *Model) cancel() tea.Cmd {
	m.cancelled = true
	if m.flow == nil || m.flow.Directive.Terminal() {
		return tea.Quit
	}
	id := m.flow.FlowID
	return func() tea.Msg {
		// The broker expires abandoned flows on its own; a failed cancel is not worth reporting.
		_ = m.api.CancelFlow(context.WithoutCancel(m.ctx), id)
		return cancelledMsg{}
	}
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c":
			return m, m.cancel()
		}

	case cancelledMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case flowMsg:
		m.busy = false
		m.notice = ""
		return m, m.show(msg.flow)

	case errMsg:
		m.busy = false
		var apiErr *client.APIError
		if errors.As(msg.err, &apiErr) {
			if f, ok := apiErr.Flow(); ok {
				m.notice = msg.err.Error()
				return m, m.show(f)
			}
		}
		m.err = msg.err
		return m, tea.Quit
	}

	if m.busy || m.form == nil {
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.busy = true
		return m, tea.Batch(m.spinner.Tick, m.submit())
	case huh.StateAborted:
		return m, m.cancel()
	}
	return m, cmd
}

// show makes f the current flow and builds its form, or quits on a terminal directive.
func (m *Model) show(f *client.FlowResponse) tea.Cmd {
	m.flow = f
	if f.Directive.Terminal() {
		m.form = nil
		return tea.Quit
	}
	m.form, m.values = buildForm(f.Directive)
	return m.form.Init()
}

func (m *Model) fields() map[string]string {
	out := make(map[string]string, len(m.values))
	for name, v := range m.values {
		if s := strings.TrimSpace(*v); s != "" {
			out[name] = s
		}
	}
	return out
}

// View implements tea.Model
func (m *Model) View() string {
	var sb strings.Builder
	sb.WriteString(styles.Title.Render("Yandex login"))
	sb.WriteString("\n")

	if m.notice != "" {
		sb.WriteString(styles.StatusCritical.Render(m.notice))
		sb.WriteString("\n\n")
	}

	if m.busy {
		sb.WriteString(m.spinner.View())
		sb.WriteString(" Talking to Yandex...\n")
		return sb.String()
	}
	if m.form != nil {
		sb.WriteString(m.form.View())
		sb.WriteString(styles.Help.Render("esc cancel"))
		sb.WriteString("\n")
	}
	return sb.String()
}

var fieldLabels = map[string]string{
	"method":         "Login method",
	"username":       "Login",
	"password":       "Password",
	"cookies":        "Cookies",
	"token":          "x_token",
	"captcha_answer": "Captcha",
	"skill_name":     "Skill name",
	"skill_user_id":  "Skill user id",
}

var methodLabels = map[string]string{
	"auth":    "Login and password",
	"cookies": "Browser cookies",
	"token":   "x_token",
}

// errorText turns the codes in Directive.Errors into prompts.
var errorText = map[string]string{
	"captcha.not_matched":  "The captcha answer was wrong, try again.",
	"password.not_matched": "Wrong password.",
	"account.not_found":    "No such Yandex account.",
	"track.not_found":      "The login session expired, start again.",
	"network.unavailable":  "Yandex could not be reached.",
	"backend.unavailable":  "Yandex answered with an error.",
	"cookies.invalid":      "These cookies were not accepted.",
	"oauth_token.invalid":  "This x_token was not accepted.",
}

func describeError(code string) string {
	if text, ok := errorText[code]; ok {
		return text
	}
	return "Yandex rejected the login: " + code
}

func stepTitle(step string) string {
	switch step {
	case "user":
		return "Choose how to log in"
	case "auth":
		return "Yandex login"
	case "cookies":
		return "Paste browser cookies"
	case "token":
		return "Paste an x_token"
	case "captcha":
		return "Solve the captcha"
	case "external":
		return "Confirm the login"
	case "options":
		return "Link a smart-home skill"
	default:
		return step
	}
}

func stepDescription(d client.Directive) string {
	var lines []string
	if u := d.Placeholders["captcha_url"]; u != "" {
		lines = append(lines, "Open "+styles.Link.Render(u)+" and type the characters you see.")
	}
	if u := d.Placeholders["external_url"]; u != "" {
		lines = append(lines, "Confirm the login at "+styles.Link.Render(u)+", then log in again.")
	}
	if login := d.Placeholders["display_login"]; login != "" {
		lines = append(lines, fmt.Sprintf("Logged in as %s. Leave both fields empty to skip.", login))
	}
	if d.Step == "cookies" {
		lines = append(lines, "A JSON cookie export or a Cookie header both work.")
	}
	if code := d.Errors["base"]; code != "" {
		lines = append(lines, styles.StatusCritical.Render(describeError(code)))
	}
	return strings.Join(lines, "\n")
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", strings.ToLower(fieldLabels[name]))
		}
		return nil
	}
}

// buildForm renders a directive's fields as one huh group. The returned map
// holds the value bound to each field.
func buildForm(d client.Directive) (*huh.Form, map[string]*string) {
	values := make(map[string]*string, len(d.Fields))
	inputs := make([]huh.Field, 0, len(d.Fields))

	for _, f := range d.Fields {
		v := f.Default
		values[f.Name] = &v

		label := fieldLabels[f.Name]
		if label == "" {
			label = f.Name
		}

		switch f.Type {
		case "select":
			opts := make([]huh.Option[string], 0, len(f.Options))
			for _, o := range f.Options {
				text := methodLabels[o]
				if text == "" {
					text = o
				}
				opts = append(opts, huh.NewOption(text, o))
			}
			inputs = append(inputs, huh.NewSelect[string]().
				Title(label).
				Options(opts...).
				Value(&v))
		case "text":
			t := huh.NewText().Title(label).Value(&v)
			if f.Required {
				t = t.Validate(required(f.Name))
			}
			inputs = append(inputs, t)
		default:
			in := huh.NewInput().Title(label).Value(&v)
			if f.Type == "password" {
				in = in.EchoMode(huh.EchoModePassword)
			}
			if f.Required {
				in = in.Validate(required(f.Name))
			}
			inputs = append(inputs, in)
		}
	}

	group := huh.NewGroup(inputs...).Title(stepTitle(d.Step))
	if desc := stepDescription(d); desc != "" {
		group = group.Description(desc)
	}
	return huh.NewForm(group).WithTheme(styles.FormTheme()), values
}

// Run drives a login flow in the terminal until it finishes or is cancelled.
func Run(ctx context.Context, api Stepper, flowID string) (*Model, error) {
	m := New(ctx, api, flowID)
	if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil {
		return m, err
	}
	return m, nil
}
