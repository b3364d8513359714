package services

import (
	"context"
	"errors"
	"time"

	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/email"
	"github.com/notesd/apiserver/internal/mq"
	"github.com/notesd/apiserver/types"
)

const (
	welcomeNoteTitle   = "Welcome to Notes"
	welcomeNoteContent = "This is your first note. Edit it, search it or delete it."
)

// Leaser runs fn on a pooled connection. *db.Pool implements it.
type Leaser interface {
	Do(ctx context.Context, fn func(ctx context.Context, l *db.Lease) error) error
}

// EventPublisher announces domain events. *mq.MQ implements it.
type EventPublisher interface {
	PublishUserRegistered(ctx context.Context, channel string, evt mq.UserRegistered) error
}

// OnboardingService performs the follow-up work for a new account. Every
// step is best effort and independent of the others.
type OnboardingService struct {
	pool        Leaser
	notes       *NoteService
	events      EventPublisher
	topic       string
	mail        email.Sender
	welcomeNote bool
}

type OnboardingConfig struct {
	Topic       string
	WelcomeNote bool
}

func NewOnboardingService(pool Leaser, notes *NoteService, events EventPublisher, mail email.Sender, cfg OnboardingConfig) *OnboardingService {
	if mail == nil {
		mail = email.NopSender{}
	}
	return &OnboardingService{
		pool:        pool,
		notes:       notes,
		events:      events,
		topic:       cfg.Topic,
		mail:        mail,
		welcomeNote: cfg.WelcomeNote,
	}
}

// AfterRegister creates the welcome note, publishes the registration event
// and sends the welcome mail. It returns the joined errors of failed steps.
func (s *OnboardingService) AfterRegister(ctx context.Context, user types.User) error {
	var errs []error

	if s.welcomeNote {
		err := s.pool.Do(ctx, func(ctx context.Context, l *db.Lease) error {
			_, err := s.notes.Create(ctx, l, user.ID, welcomeNoteTitle, welcomeNoteContent)
			return err
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if s.events != nil && s.topic != "" {
		evt := mq.UserRegistered{
			UserID:       user.ID.String(),
			Email:        user.Email,
			RegisteredAt: user.CreatedAt.UTC().Truncate(time.Second),
		}
		if err := s.events.PublishUserRegistered(ctx, s.topic, evt); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.mail.Send(ctx, email.Welcome(user.Email)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
