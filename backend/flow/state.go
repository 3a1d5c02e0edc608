// ABOUTME: Login flow states and credential methods
// ABOUTME: Typed enum replacing step-name routing for the Yandex login negotiation

package flow

import "fmt"

// State is a position in the login negotiation.
type State int

const (
	StateStart State = iota
	StateAwaitingAuth
	StateAwaitingCookies
	StateAwaitingToken
	StateAwaitingCaptcha
	StateAwaitingExternal
	StateAwaitingOptions
	StateTerminalSuccess
	StateTerminalAbort
)

var stateSteps = map[State]string{
	StateStart:            "user",
	StateAwaitingAuth:     "auth",
	StateAwaitingCookies:  "cookies",
	StateAwaitingToken:    "token",
	StateAwaitingCaptcha:  "captcha",
	StateAwaitingExternal: "external",
	StateAwaitingOptions:  "options",
	StateTerminalSuccess:  "create_entry",
	StateTerminalAbort:    "abort",
}

// Step returns the step name a caller submits input to while in this state.
func (s State) Step() string {
	if name, ok := stateSteps[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) String() string {
	return s.Step()
}

// Terminal reports whether no further input is accepted.
func (s State) Terminal() bool {
	return s == StateTerminalSuccess || s == StateTerminalAbort
}

// credentialState reports whether the state submits credentials and can
// therefore be the origin a provider error returns to.
func (s State) credentialState() bool {
	return s == StateAwaitingAuth || s == StateAwaitingCookies || s == StateAwaitingToken
}

// LocalStep reports whether input to step is handled without contacting
// the identity provider.
func LocalStep(step string) bool {
	return step == StateStart.Step() || step == StateAwaitingOptions.Step()
}

// Method is the credential method chosen at START.
type Method string

const (
	MethodAuth    Method = "auth"
	MethodCookies Method = "cookies"
	MethodToken   Method = "token"
)

// Methods lists the selectable methods in display order.
var Methods = []Method{MethodAuth, MethodCookies, MethodToken}

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodAuth, MethodCookies, MethodToken:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w: unknown method %q (must be auth, cookies, or token)", ErrInvalidInput, s)
	}
}

// State returns the credential state a method leads to.
func (m Method) State() State {
	switch m {
	case MethodCookies:
		return StateAwaitingCookies
	case MethodToken:
		return StateAwaitingToken
	default:
		return StateAwaitingAuth
	}
}
