package store

import (
	"time"
)

// OutboxMessage is a queued envelope waiting for the messaging drainer.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	MsgType   string
	Retries   int
	CreatedAt time.Time
}

func (db *DB) EnqueueOutbox(topic string, payload []byte, msgType string) error {
	_, err := db.Exec(db.Q(`INSERT INTO outbox (topic, payload, msg_type) VALUES (?, ?, ?)`),
		topic, payload, msgType)
	return err
}

// ListPendingOutbox returns unsent messages, oldest first.
func (db *DB) ListPendingOutbox(limit int) ([]*OutboxMessage, error) {
	return db.queryOutbox(`SELECT id, topic, payload, msg_type, retries, created_at FROM outbox
		WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
}

// ListDeliverableOutbox returns unsent messages that have failed fewer than
// maxRetries times, so exhausted rows never crowd out newer ones.
func (db *DB) ListDeliverableOutbox(limit, maxRetries int) ([]*OutboxMessage, error) {
	return db.queryOutbox(`SELECT id, topic, payload, msg_type, retries, created_at FROM outbox
		WHERE sent_at IS NULL AND retries < ? ORDER BY id LIMIT ?`, maxRetries, limit)
}

func (db *DB) queryOutbox(query string, args ...any) ([]*OutboxMessage, error) {
	rows, err := db.Query(db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var createdAt any
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.MsgType, &m.Retries, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

func (db *DB) AckOutbox(id int64) error {
	_, err := db.Exec(db.Q(`UPDATE outbox SET sent_at=datetime('now','localtime') WHERE id=?`), id)
	return err
}

func (db *DB) IncrementOutboxRetries(id int64) error {
	_, err := db.Exec(db.Q(`UPDATE outbox SET retries=retries+1 WHERE id=?`), id)
	return err
}

// PurgeSentOutbox deletes delivered messages except the newest keep.
func (db *DB) PurgeSentOutbox(keep int) (int64, error) {
	res, err := db.Exec(db.Q(`DELETE FROM outbox WHERE sent_at IS NOT NULL AND id NOT IN
		(SELECT id FROM outbox WHERE sent_at IS NOT NULL ORDER BY id DESC LIMIT ?)`), keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
