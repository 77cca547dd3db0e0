// Package invite builds referral share links and keeps a log of them.
package invite

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	defaultBaseURL = "http://localhost:5173"
	defaultTitle   = "Sport Buddies"
)

// Referrer is the slice of the user store the service needs.
type Referrer interface {
	EnsureReferralCode(ctx context.Context) string
	IncrementInvitesSent(ctx context.Context) int64
}

// Service turns the user's referral code into a shareable invite.
type Service struct {
	referrer Referrer
	store    Store
	baseURL  string
	title    string
	now      func() time.Time
	log      *slog.Logger

	// entropy keeps ids of shares made within one millisecond ordered.
	idMu    sync.Mutex
	entropy io.Reader
}

// Option configures the Service.
type Option func(*Service) error

// WithBaseURL sets the origin share links point at.
func WithBaseURL(raw string) Option {
	return func(s *Service) error {
		raw = strings.TrimRight(strings.TrimSpace(raw), "/")
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ErrInvalidInput
		}
		s.baseURL = raw
		return nil
	}
}

// WithTitle sets the share title.
func WithTitle(title string) Option {
	return func(s *Service) error {
		title = strings.TrimSpace(title)
		if title == "" {
			return ErrInvalidInput
		}
		s.title = title
		return nil
	}
}

// WithStore records every share (default: in-memory log).
func WithStore(st Store) Option {
	return func(s *Service) error {
		if st != nil {
			s.store = st
		}
		return nil
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(referrer Referrer, opts ...Option) (*Service, error) {
	if referrer == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		referrer: referrer,
		store:    NewMemoryStore(),
		baseURL:  defaultBaseURL,
		title:    defaultTitle,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Share ensures a referral code exists, counts the invite and returns the
// link to hand out. A failure to record the share is logged, not returned:
// the invite was already counted.
func (s *Service) Share(ctx context.Context) (Share, error) {
	if err := ctx.Err(); err != nil {
		return Share{}, err
	}

	code := s.referrer.EnsureReferralCode(ctx)
	if code == "" {
		return Share{}, ErrNoCode
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Share{}, err
	}

	sh := Share{
		ID:        id,
		Code:      code,
		URL:       s.LinkFor(code),
		Title:     s.title,
		Text:      "Join me on " + s.title + ". Use my code: " + code,
		CreatedAt: now,
	}
	sh.Count = s.referrer.IncrementInvitesSent(ctx)

	if err := s.store.Append(ctx, sh); err != nil {
		s.log.Warn("invite.log.fail", "code", code, "err", err)
	}
	s.log.Info("invite.share", "code", code, "invites_sent", sh.Count)
	return sh, nil
}

// LinkFor returns the landing URL carrying code.
func (s *Service) LinkFor(code string) string {
	return s.baseURL + "/?ref=" + url.QueryEscape(code)
}

// History lists past shares of code, newest first.
func (s *Service) History(ctx context.Context, code string, limit int) ([]Share, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListByCode(ctx, code, limit)
}

func (s *Service) newID(now time.Time) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
