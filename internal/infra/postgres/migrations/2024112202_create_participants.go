package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
)

//go:embed 0002_create_participants.sql
var createParticipantsSQL string

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, createParticipantsSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `
DROP TRIGGER IF EXISTS participants_notify ON participants;
DROP FUNCTION IF EXISTS notify_participant_change();
DROP TABLE IF EXISTS participants;`)
			return err
		},
	)
}
