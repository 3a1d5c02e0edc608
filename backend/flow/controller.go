// ABOUTME: Login flow controller driving the Yandex credential negotiation
// ABOUTME: One method per state; each returns the next attempt and a caller directive

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

// DefaultRoundTripTimeout bounds a provider exchange when none is configured.
const DefaultRoundTripTimeout = 30 * time.Second

// Accounts is the persistence the controller finalizes into.
// Get returns (nil, nil) when no entry has the unique id.
type Accounts interface {
	Get(ctx context.Context, uniqueID string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
}

// Step inputs.
type (
	UserInput struct {
		Method Method
	}
	AuthInput struct {
		Username string
		Password string
	}
	CookiesInput struct {
		Cookies string
	}
	TokenInput struct {
		Token string
	}
	CaptchaInput struct {
		Answer string
	}
	OptionsInput struct {
		SkillName   string
		SkillUserID string
	}
	ImportInput struct {
		Username string
		Password string
		XToken   string
	}
)

// Steps exposes one method per non-terminal state.
type Steps interface {
	User(ctx context.Context, a Attempt, in UserInput) (Attempt, Directive, error)
	Auth(ctx context.Context, a Attempt, in AuthInput) (Attempt, Directive, error)
	Cookies(ctx context.Context, a Attempt, in CookiesInput) (Attempt, Directive, error)
	Token(ctx context.Context, a Attempt, in TokenInput) (Attempt, Directive, error)
	Captcha(ctx context.Context, a Attempt, in CaptchaInput) (Attempt, Directive, error)
	External(ctx context.Context, a Attempt, in AuthInput) (Attempt, Directive, error)
	Options(ctx context.Context, a Attempt, in OptionsInput) (Attempt, Directive, error)
}

var _ Steps = (*Controller)(nil)

// Options configures a Controller.
type Options struct {
	Provider         Provider
	Accounts         Accounts
	RoundTripTimeout time.Duration
	Now              func() time.Time
	NewAccountID     func() string
}

// Controller is stateless; all flow state lives in the Attempt values it
// receives and returns.
type Controller struct {
	provider Provider
	accounts Accounts
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

// NewController builds a controller from opts, filling defaults.
func NewController(opts Options) *Controller {
	c := &Controller{
		provider: opts.Provider,
		accounts: opts.Accounts,
		timeout:  opts.RoundTripTimeout,
		now:      opts.Now,
		newID:    opts.NewAccountID,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRoundTripTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Current re-renders the directive for the attempt's state.
func (c *Controller) Current(a Attempt) Directive {
	return formFor(a)
}

// Dispatch routes a named-field submission to the method for the attempt's state.
func (c *Controller) Dispatch(ctx context.Context, a Attempt, step string, fields map[string]string) (Attempt, Directive, error) {
	if a.State.Terminal() {
		return a, Directive{}, ErrFlowFinished
	}
	if step != a.State.Step() {
		return a, Directive{}, fmt.Errorf("%w: flow is at %q, got %q", ErrWrongStep, a.State.Step(), step)
	}
	if missing := missingFields(a.State, fields); len(missing) > 0 {
		return a, Directive{}, fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}

	switch a.State {
	case StateStart:
		return c.User(ctx, a, UserInput{Method: Method(fields["method"])})
	case StateAwaitingAuth:
		return c.Auth(ctx, a, AuthInput{Username: fields["username"], Password: fields["password"]})
	case StateAwaitingCookies:
		return c.Cookies(ctx, a, CookiesInput{Cookies: fields["cookies"]})
	case StateAwaitingToken:
		return c.Token(ctx, a, TokenInput{Token: fields["token"]})
	case StateAwaitingCaptcha:
		return c.Captcha(ctx, a, CaptchaInput{Answer: fields["captcha_answer"]})
	case StateAwaitingExternal:
		return c.External(ctx, a, AuthInput{Username: fields["username"], Password: fields["password"]})
	case StateAwaitingOptions:
		return c.Options(ctx, a, OptionsInput{SkillName: fields["skill_name"], SkillUserID: fields["skill_user_id"]})
	}
	return a, Directive{}, fmt.Errorf("%w: no handler for state %s", ErrWrongStep, a.State)
}

// User handles START. It never calls the provider.
func (c *Controller) User(ctx context.Context, a Attempt, in UserInput) (Attempt, Directive, error) {
	if err := expect(a, StateStart); err != nil {
		return a, Directive{}, err
	}
	m, err := ParseMethod(string(in.Method))
	if err != nil {
		return a, Directive{}, err
	}
	next := a.withMethod(m).withOrigin(m.State()).withState(m.State(), c.now())
	logTransition(a, next)
	return next, formFor(next), nil
}

// Auth submits a username and password.
func (c *Controller) Auth(ctx context.Context, a Attempt, in AuthInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingAuth); err != nil {
		return a, Directive{}, err
	}
	if in.Username == "" || in.Password == "" {
		return a, Directive{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	creds := Credentials{Kind: CredentialPassword, Username: in.Username, Password: in.Password}
	return c.exchange(ctx, a.withOrigin(StateAwaitingAuth), creds, func(ctx context.Context, s Session) (*LoginResponse, error) {
		return s.LoginUsername(ctx, in.Username, in.Password)
	})
}

// Cookies submits a browser cookie string.
func (c *Controller) Cookies(ctx context.Context, a Attempt, in CookiesInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingCookies); err != nil {
		return a, Directive{}, err
	}
	if in.Cookies == "" {
		return a, Directive{}, fmt.Errorf("%w: cookies are required", ErrInvalidInput)
	}
	creds := Credentials{Kind: CredentialCookie, Cookie: in.Cookies}
	return c.exchange(ctx, a.withOrigin(StateAwaitingCookies), creds, func(ctx context.Context, s Session) (*LoginResponse, error) {
		return s.LoginCookies(ctx, in.Cookies)
	})
}

// Token submits a bearer token for validation.
func (c *Controller) Token(ctx context.Context, a Attempt, in TokenInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingToken); err != nil {
		return a, Directive{}, err
	}
	if in.Token == "" {
		return a, Directive{}, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	creds := Credentials{Kind: CredentialToken, Token: in.Token}
	return c.exchange(ctx, a.withOrigin(StateAwaitingToken), creds, func(ctx context.Context, s Session) (*LoginResponse, error) {
		return s.ValidateToken(ctx, in.Token)
	})
}

// Captcha submits a captcha answer. The follow-up response is classified
// again, so a captcha may chain into another captcha.
func (c *Controller) Captcha(ctx context.Context, a Attempt, in CaptchaInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingCaptcha); err != nil {
		return a, Directive{}, err
	}
	if in.Answer == "" {
		return a, Directive{}, fmt.Errorf("%w: captcha answer is required", ErrInvalidInput)
	}
	creds := Credentials{Kind: CredentialCaptcha, Username: a.Submitted.Username, CaptchaAnswer: in.Answer}
	return c.exchange(ctx, a, creds, func(ctx context.Context, s Session) (*LoginResponse, error) {
		return s.SubmitCaptcha(ctx, in.Answer)
	})
}

// External resubmits credentials after a redirect-based challenge.
// Provider errors return to the username/password form.
func (c *Controller) External(ctx context.Context, a Attempt, in AuthInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingExternal); err != nil {
		return a, Directive{}, err
	}
	if in.Username == "" || in.Password == "" {
		return a, Directive{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	creds := Credentials{Kind: CredentialPassword, Username: in.Username, Password: in.Password}
	return c.exchange(ctx, a.withOrigin(StateAwaitingAuth), creds, func(ctx context.Context, s Session) (*LoginResponse, error) {
		return s.LoginUsername(ctx, in.Username, in.Password)
	})
}

// Options finalizes the account with optional skill metadata.
func (c *Controller) Options(ctx context.Context, a Attempt, in OptionsInput) (Attempt, Directive, error) {
	if err := expect(a, StateAwaitingOptions); err != nil {
		return a, Directive{}, err
	}
	if a.Pending == nil || a.Pending.Validate() != nil || !a.Pending.OK {
		return c.fail(ctx, a, nil, fmt.Errorf("%w: options reached without a successful login", ErrUnclassifiedResponse))
	}

	login := a.Pending.DisplayLogin
	blob := models.CredentialBlob{XToken: a.Pending.XToken}
	skill := models.NewSkillBinding(in.SkillName, in.SkillUserID)

	next, d, err := c.finalize(ctx, a.withUniqueID(login), login, blob, skill)
	if err != nil {
		return a, Directive{}, err
	}
	return c.Release(ctx, next), d, nil
}

// Import creates or skips an account for a known username before any
// negotiation. An existing entry aborts and leaves the attempt untouched.
func (c *Controller) Import(ctx context.Context, a Attempt, in ImportInput) (Attempt, Directive, error) {
	if err := expect(a, StateStart); err != nil {
		return a, Directive{}, err
	}
	if in.Username == "" {
		return a, Directive{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if in.XToken == "" && in.Password == "" {
		return a, Directive{}, fmt.Errorf("%w: x_token or password is required", ErrInvalidInput)
	}

	existing, err := c.accounts.Get(ctx, in.Username)
	if err != nil {
		return a, Directive{}, fmt.Errorf("look up account %q: %w", in.Username, err)
	}
	if existing != nil {
		slog.Info("Import skipped, account already configured", "flow_id", a.ID, "unique_id", in.Username)
		return a, Directive{Type: DirectiveAbort, Reason: ReasonAlreadyConfigured, Title: existing.Title, Account: existing}, nil
	}

	a = a.withUniqueID(in.Username)
	if in.XToken != "" {
		return c.finalize(ctx, a, in.Username, models.CredentialBlob{XToken: in.XToken}, nil)
	}

	auth := a.withMethod(MethodAuth).withOrigin(StateAwaitingAuth).withState(StateAwaitingAuth, c.now())
	logTransition(a, auth)
	return c.Auth(ctx, auth, AuthInput{Username: in.Username, Password: in.Password})
}

// Release closes the attempt's provider session, if any, and drops the handle.
func (c *Controller) Release(ctx context.Context, a Attempt) Attempt {
	if len(a.Session) == 0 || c.provider == nil {
		return a.released()
	}
	sess, err := c.provider.Open(ctx, a.Session)
	if err != nil {
		slog.Warn("Failed to reopen session for release", "flow_id", a.ID, "error", err)
		return a.released()
	}
	if err := sess.Close(); err != nil {
		slog.Warn("Failed to close identity provider session", "flow_id", a.ID, "error", err)
	}
	slog.Debug("Identity provider session released", "flow_id", a.ID)
	return a.released()
}

type roundTrip func(ctx context.Context, s Session) (*LoginResponse, error)

// exchange performs exactly one provider round trip and classifies it.
func (c *Controller) exchange(ctx context.Context, a Attempt, creds Credentials, call roundTrip) (Attempt, Directive, error) {
	if c.provider == nil {
		return c.fail(ctx, a, nil, fmt.Errorf("%w: no identity provider configured", ErrProviderFailure))
	}
	sess, err := c.provider.Open(ctx, a.Session)
	if err != nil {
		return c.fail(ctx, a, nil, fmt.Errorf("%w: open session: %v", ErrProviderFailure, err))
	}

	start := time.Now()
	rtCtx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := call(rtCtx, sess)
	timedOut := errors.Is(rtCtx.Err(), context.DeadlineExceeded)
	cancel()

	slog.Debug("Identity provider round trip",
		"flow_id", a.ID,
		"step", a.State.Step(),
		"kind", creds.Kind,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	switch {
	case timedOut:
		return c.fail(ctx, a, sess, fmt.Errorf("%w after %s", ErrRoundTripTimeout, c.timeout))
	case err != nil:
		return c.fail(ctx, a, sess, fmt.Errorf("%w: %v", ErrProviderFailure, err))
	case resp == nil:
		return c.fail(ctx, a, sess, fmt.Errorf("%w: nil response", ErrProviderFailure))
	}

	state, err := Classify(resp, a.Origin)
	if err != nil {
		return c.fail(ctx, a, sess, err)
	}

	next := a.withSubmission(creds).withResponse(resp, sess.State()).withState(state, c.now())
	logTransition(a, next)
	if resp.Error != "" {
		slog.Info("Identity provider rejected credentials", "flow_id", a.ID, "error_code", resp.Error)
	}
	return next, formFor(next), nil
}

// finalize creates the account or updates the existing one in place.
func (c *Controller) finalize(ctx context.Context, a Attempt, uniqueID string, blob models.CredentialBlob, skill *models.SkillBinding) (Attempt, Directive, error) {
	now := c.now()

	existing, err := c.accounts.Get(ctx, uniqueID)
	if err != nil {
		return a, Directive{}, fmt.Errorf("look up account %q: %w", uniqueID, err)
	}

	if existing == nil {
		account := &models.Account{
			ID:          c.newID(),
			UniqueID:    uniqueID,
			Title:       uniqueID,
			Credentials: blob,
			Skill:       skill,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := c.accounts.Create(ctx, account)
		switch {
		case err == nil:
			next := a.withState(StateTerminalSuccess, now)
			logTransition(a, next)
			slog.Info("Account created", "flow_id", a.ID, "unique_id", uniqueID, "account_id", account.ID)
			return next, Directive{Type: DirectiveCreateEntry, Title: account.Title, Account: account}, nil
		case errors.Is(err, models.ErrAccountExists):
			existing, err = c.accounts.Get(ctx, uniqueID)
			if err != nil {
				return a, Directive{}, fmt.Errorf("look up account %q: %w", uniqueID, err)
			}
			if existing == nil {
				return a, Directive{}, fmt.Errorf("create account %q: %w", uniqueID, models.ErrAccountExists)
			}
		default:
			return a, Directive{}, fmt.Errorf("create account %q: %w", uniqueID, err)
		}
	}

	updated := *existing
	updated.Credentials = blob.Merge(existing.Credentials)
	updated.Skill = skill
	updated.UpdatedAt = now
	if err := c.accounts.Update(ctx, &updated); err != nil {
		return a, Directive{}, fmt.Errorf("update account %q: %w", uniqueID, err)
	}

	next := a.withState(StateTerminalAbort, now)
	logTransition(a, next)
	slog.Info("Account updated", "flow_id", a.ID, "unique_id", uniqueID, "account_id", updated.ID)
	return next, Directive{Type: DirectiveAbort, Reason: ReasonAccountUpdated, Title: updated.Title, Account: &updated}, nil
}

// fail releases the session and reports a fatal error.
func (c *Controller) fail(ctx context.Context, a Attempt, sess Session, err error) (Attempt, Directive, error) {
	slog.Error("Login flow failed", "flow_id", a.ID, "state", a.State.Step(), "error", err)
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("Failed to close identity provider session", "flow_id", a.ID, "error", cerr)
		}
		return a.released(), Directive{}, err
	}
	return c.Release(ctx, a), Directive{}, err
}

func expect(a Attempt, s State) error {
	if a.State.Terminal() {
		return ErrFlowFinished
	}
	if a.State != s {
		return fmt.Errorf("%w: flow is at %q, want %q", ErrWrongStep, a.State.Step(), s.Step())
	}
	return nil
}

func logTransition(from, to Attempt) {
	slog.Info("Flow transition", "flow_id", from.ID, "from", from.State.Step(), "to", to.State.Step())
}
