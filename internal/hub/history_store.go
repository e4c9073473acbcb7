package hub

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sortableTime has fixed width so timestamps compare correctly as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLHistoryStore keeps disconnected-device records in the device_history
// table.
type SQLHistoryStore struct {
	db *sql.DB
}

func NewSQLHistoryStore(db *sql.DB) *SQLHistoryStore {
	return &SQLHistoryStore{db: db}
}

func (s *SQLHistoryStore) Save(record DisconnectedDevice) error {
	history, err := json.Marshal(record.ConnectionHistory)
	if err != nil {
		return fmt.Errorf("marshal connection history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO device_history (device_type, instance_id, last_connected_at, disconnected_at, connection_history)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_type, instance_id) DO UPDATE SET
			last_connected_at = excluded.last_connected_at,
			disconnected_at = excluded.disconnected_at,
			connection_history = excluded.connection_history
	`, record.DeviceType, record.InstanceID,
		record.LastConnectedAt.UTC().Format(sortableTime),
		record.DisconnectedAt.UTC().Format(sortableTime),
		string(history))
	if err != nil {
		return fmt.Errorf("save device history %s/%s: %w", record.DeviceType, record.InstanceID, err)
	}
	return nil
}

func (s *SQLHistoryStore) Delete(key DeviceKey) error {
	_, err := s.db.Exec("DELETE FROM device_history WHERE device_type = ? AND instance_id = ?",
		key.DeviceType, key.InstanceID)
	return err
}

func (s *SQLHistoryStore) LoadAll() ([]DisconnectedDevice, error) {
	rows, err := s.db.Query(`
		SELECT device_type, instance_id, last_connected_at, disconnected_at, connection_history
		FROM device_history
		ORDER BY device_type, instance_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []DisconnectedDevice
	for rows.Next() {
		var (
			rec                    DisconnectedDevice
			connectedAt, disconnAt string
			historyJSON            sql.NullString
		)
		if err := rows.Scan(&rec.DeviceType, &rec.InstanceID, &connectedAt, &disconnAt, &historyJSON); err != nil {
			return nil, err
		}
		if t, err := time.Parse(sortableTime, connectedAt); err == nil {
			rec.LastConnectedAt = t
		}
		if t, err := time.Parse(sortableTime, disconnAt); err == nil {
			rec.DisconnectedAt = t
		}
		if historyJSON.Valid && historyJSON.String != "" {
			if err := json.Unmarshal([]byte(historyJSON.String), &rec.ConnectionHistory); err != nil {
				return nil, fmt.Errorf("decode connection history %s/%s: %w", rec.DeviceType, rec.InstanceID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLHistoryStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM device_history WHERE disconnected_at < ?",
		cutoff.UTC().Format(sortableTime))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
