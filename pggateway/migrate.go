package pggateway

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		vendor_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		last_message TEXT,
		last_message_at TIMESTAMPTZ,
		vendor_unread_count INTEGER NOT NULL DEFAULT 0 CHECK (vendor_unread_count >= 0),
		client_unread_count INTEGER NOT NULL DEFAULT 0 CHECK (client_unread_count >= 0),
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'blocked')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_activity_at TIMESTAMPTZ,
		UNIQUE (vendor_id, client_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
		room_id TEXT NOT NULL REFERENCES chat_rooms(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'text' CHECK (type IN ('text', 'image', 'file', 'service_preview')),
		attachment JSONB,
		reply_to_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
		delivered_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,

	`CREATE INDEX IF NOT EXISTS messages_room_created_idx ON messages (room_id, created_at)`,

	// NOTIFY payloads are capped below 8000 bytes, so only ids are sent and
	// listeners fetch the row.
	`CREATE OR REPLACE FUNCTION chatsync_notify() RETURNS trigger AS $$
	DECLARE
		payload TEXT;
	BEGIN
		payload := json_build_object('type', TG_OP, 'table', TG_TABLE_NAME, 'id', NEW.id)::text;
		IF TG_TABLE_NAME = 'messages' THEN
			PERFORM pg_notify('room:' || NEW.room_id, payload);
		ELSE
			PERFORM pg_notify('rooms:' || NEW.vendor_id, payload);
			PERFORM pg_notify('rooms:' || NEW.client_id, payload);
		END IF;
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS messages_notify ON messages`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE ON messages
		FOR EACH ROW EXECUTE FUNCTION chatsync_notify()`,

	`DROP TRIGGER IF EXISTS chat_rooms_notify ON chat_rooms`,
	`CREATE TRIGGER chat_rooms_notify AFTER INSERT OR UPDATE ON chat_rooms
		FOR EACH ROW EXECUTE FUNCTION chatsync_notify()`,
}

// Migrate creates the chat tables and the notification trigger.
func (g *Gateway) Migrate(ctx context.Context) error {
	const op = "pggateway.Migrate"

	for i, stmt := range migrations {
		if _, err := g.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: step %d: %w", op, i, err)
		}
	}
	g.log.Info("database migrated")
	return nil
}
