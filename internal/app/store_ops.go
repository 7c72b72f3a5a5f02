package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/transcript"
)

// ErrRegistrationUnsupported is returned by [App.Register] when the dialogue
// backend has no user registry.
var ErrRegistrationUnsupported = errors.New("app: user registration requires the http dialogue backend")

// Clear deletes the transcript and both identifiers in one store operation.
// The next session starts with fresh identifiers and an empty log.
func (a *App) Clear(ctx context.Context) error {
	sess, err := a.identity.Peek(ctx)
	if err != nil {
		return fmt.Errorf("app: clear: %w", err)
	}
	if err := a.wipe(ctx, sess); err != nil {
		return fmt.Errorf("app: clear: %w", err)
	}
	slog.Info("history cleared")
	return nil
}

// Logout forgets the user. It removes the same persisted state as [App.Clear],
// so the next start registers as a new user.
func (a *App) Logout(ctx context.Context) error {
	sess, err := a.identity.Peek(ctx)
	if err != nil {
		return fmt.Errorf("app: logout: %w", err)
	}
	if err := a.wipe(ctx, sess); err != nil {
		return fmt.Errorf("app: logout: %w", err)
	}
	slog.Info("logged out", "user_id", sess.UserID)
	return nil
}

func (a *App) wipe(ctx context.Context, sess identity.Session) error {
	if err := a.store.Delete(ctx, transcript.StorageKey, identity.KeySessionID, identity.KeyUserID); err != nil {
		return err
	}
	a.identity.Forget()
	if err := a.log.Restore(ctx); err != nil {
		return err
	}
	if a.chat != nil {
		a.chat.Reset(sess.SessionID)
	}
	return nil
}

// Export writes the transcript as a pretty-printed JSON array of
// {role, content} objects.
func (a *App) Export(w io.Writer) error {
	return transcript.Export(w, a.log.Turns())
}

// Import replaces the transcript with the document read from r. It returns
// the number of imported turns.
func (a *App) Import(ctx context.Context, r io.Reader) (int, error) {
	turns, err := transcript.Import(r)
	if err != nil {
		return 0, err
	}
	if err := a.log.Replace(ctx, turns); err != nil {
		return 0, fmt.Errorf("app: import: %w", err)
	}
	slog.Info("transcript imported", "turns", len(turns))
	return len(turns), nil
}

// Register associates name with the current user id on the interview server.
// An already registered user is left untouched. Failures are returned as
// [*dialogue.IdentityError] so the caller can offer a retry.
func (a *App) Register(ctx context.Context, name string) error {
	if a.identityAPI == nil {
		return ErrRegistrationUnsupported
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("app: register: user name must not be blank")
	}
	uid, err := a.identity.UserID(ctx)
	if err != nil {
		return fmt.Errorf("app: register: %w", err)
	}
	exists, err := a.identityAPI.CheckUserName(ctx, uid)
	if err != nil {
		return err
	}
	if exists {
		slog.Info("user already registered", "user_id", uid)
		return nil
	}
	if err := a.identityAPI.RegisterUserName(ctx, uid, name); err != nil {
		return err
	}
	slog.Info("user registered", "user_id", uid, "name", name)
	return nil
}
