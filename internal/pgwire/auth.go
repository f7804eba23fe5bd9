package pgwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
)

const (
	authOK                = 0
	authClearTextPassword = 3
)

// authStrategy accepts every session when accounts is empty and otherwise
// asks for a clear-text password.
func authStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		username := wire.ClientParameters(ctx)[wire.ParamUsername]

		if len(accounts) == 0 {
			return ctx, writeAuth(writer, authOK)
		}

		if err := writeAuth(writer, authClearTextPassword); err != nil {
			return ctx, err
		}
		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		if want, ok := accounts[username]; !ok || password != want {
			log.Debug("pgwire: authentication failed", "username", username)
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("pgwire: authenticated", "username", username)
		return ctx, writeAuth(writer, authOK)
	}
}

func writeAuth(writer *buffer.Writer, code int32) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(code)
	return writer.End()
}
