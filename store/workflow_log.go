package store

import "time"

// WorkflowLogEntry records one stage transition of a work order's workflow.
type WorkflowLogEntry struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	Detail    string    `json:"detail"`
	Operator  string    `json:"operator"`
	CreatedAt time.Time `json:"created_at"`
}

func (db *DB) InsertWorkflowLog(orderID int64, fromStage, toStage, detail, operator string) (int64, error) {
	if db.driver == "postgres" {
		var id int64
		err := db.QueryRow(db.Q(`INSERT INTO workflow_log (order_id, from_stage, to_stage, detail, operator) VALUES (?, ?, ?, ?, ?) RETURNING id`),
			orderID, fromStage, toStage, detail, operator).Scan(&id)
		return id, err
	}
	res, err := db.Exec(`INSERT INTO workflow_log (order_id, from_stage, to_stage, detail, operator) VALUES (?, ?, ?, ?, ?)`,
		orderID, fromStage, toStage, detail, operator)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) ListWorkflowLog(orderID int64, limit int) ([]WorkflowLogEntry, error) {
	rows, err := db.Query(db.Q(`SELECT id, order_id, from_stage, to_stage, detail, operator, created_at
		FROM workflow_log WHERE order_id=? ORDER BY id DESC LIMIT ?`), orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []WorkflowLogEntry
	for rows.Next() {
		var e WorkflowLogEntry
		var createdAt any
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStage, &e.ToStage, &e.Detail, &e.Operator, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
