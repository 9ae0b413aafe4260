package storage

import (
	"database/sql"
	"encoding/json"
)

// AppendEvent records payload in the durable event log within tx, for
// audit and replay. The event bus itself never reads this table — it is
// fed the same payloads directly, post-commit, by the caller's outbox.
func AppendEvent(tx *sql.Tx, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (seq, type, payload) VALUES ($1,$2,$3)`,
		seq, evType, b,
	)
	return err
}
