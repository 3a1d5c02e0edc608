// ABOUTME: Rotates stored web cookies and music tokens from an account's x_token
// ABOUTME: Deduplicates concurrent refreshes per account and bounds fan-out

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/glebsterx/yandex-smart-home/backend/models"
)

var ErrNoXToken = errors.New("account has no x_token")

// CredentialSource derives session artifacts from a long-lived x_token.
type CredentialSource interface {
	RefreshCookies(ctx context.Context, xToken string) (string, error)
	MusicToken(ctx context.Context, xToken string) (string, error)
}

// RefreshResult reports the outcome for one account.
type RefreshResult struct {
	AccountID         string `json:"account_id"`
	UniqueID          string `json:"unique_id"`
	CookieRotated     bool   `json:"cookie_rotated"`
	MusicTokenRotated bool   `json:"music_token_rotated"`
	Error             string `json:"error,omitempty"`
}

// AccountRefresher writes rotated artifacts back into account entries.
type AccountRefresher struct {
	accounts    AccountStore
	source      CredentialSource
	concurrency int
	group       singleflight.Group
	now         func() time.Time
}

func NewAccountRefresher(accounts AccountStore, source CredentialSource, concurrency int) *AccountRefresher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &AccountRefresher{
		accounts:    accounts,
		source:      source,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Refresh rotates one account. Concurrent calls for the same account share
// a single upstream exchange.
func (r *AccountRefresher) Refresh(ctx context.Context, id string) (RefreshResult, error) {
	v, err, shared := r.group.Do(id, func() (interface{}, error) {
		return r.refresh(ctx, id)
	})
	if shared {
		slog.Debug("Account refresh shared", "account_id", id)
	}
	if err != nil {
		res, _ := v.(RefreshResult)
		res.AccountID = id
		res.Error = err.Error()
		return res, err
	}
	return v.(RefreshResult), nil
}

// refreshAttempts bounds retries when the account is rewritten mid-exchange.
const refreshAttempts = 3

func (r *AccountRefresher) refresh(ctx context.Context, id string) (RefreshResult, error) {
	var res RefreshResult
	for attempt := 1; ; attempt++ {
		acc, err := r.accounts.GetByID(ctx, id)
		if err != nil {
			return res, err
		}
		res = RefreshResult{AccountID: acc.ID, UniqueID: acc.UniqueID}
		if acc.Credentials.XToken == "" {
			return res, ErrNoXToken
		}

		cookie, err := r.source.RefreshCookies(ctx, acc.Credentials.XToken)
		if err != nil {
			return res, fmt.Errorf("refresh cookies: %w", err)
		}
		music, err := r.source.MusicToken(ctx, acc.Credentials.XToken)
		if err != nil && !errors.Is(err, ErrMusicNotConfigured) {
			return res, fmt.Errorf("refresh music token: %w", err)
		}

		updated := *acc
		updated.Credentials = models.CredentialBlob{
			XToken:     acc.Credentials.XToken,
			Cookie:     cookie,
			MusicToken: music,
		}.Merge(acc.Credentials)
		updated.UpdatedAt = r.now()

		err = r.accounts.UpdateIfUnchanged(ctx, &updated, acc.UpdatedAt)
		if errors.Is(err, models.ErrAccountChanged) && attempt < refreshAttempts {
			slog.Info("Account changed during refresh, retrying", "account_id", acc.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("store refreshed credentials: %w", err)
		}

		res.CookieRotated = cookie != "" && cookie != acc.Credentials.Cookie
		res.MusicTokenRotated = music != "" && music != acc.Credentials.MusicToken
		slog.Info("Account credentials refreshed",
			"account_id", acc.ID,
			"unique_id", acc.UniqueID,
			"cookie_rotated", res.CookieRotated,
			"music_token_rotated", res.MusicTokenRotated,
		)
		return res, nil
	}
}

// RefreshAll refreshes every account, at most concurrency at a time. A
// failure on one account does not stop the others.
func (r *AccountRefresher) RefreshAll(ctx context.Context) ([]RefreshResult, error) {
	accounts, err := r.accounts.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]RefreshResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, acc := range accounts {
		g.Go(func() error {
			res, err := r.Refresh(ctx, acc.ID)
			if err != nil {
				slog.Warn("Account refresh failed", "account_id", acc.ID, "error", err)
			}
			res.UniqueID = acc.UniqueID
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
