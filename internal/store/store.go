package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"agrolink/relay/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// StorageError wraps a failed database operation. The cause is surfaced to callers.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// timeLayout is fixed width so that TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Page size bounds applied by the query surface. The store itself honours any limit.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	presenceWindow    = 10
	gatewayInfoRowID  = 1
	readingColumns    = `id, node_id, temperature, humidity, soil_moisture, light, light_percentage, latitude, longitude, source_ts, created_at`
	errStoreNotOpened = "store not initialized"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, now: time.Now}, nil
}

// NewWithDB wraps an existing handle, e.g. a sqlmock connection in tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite"), now: time.Now}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New(errStoreNotOpened)
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL DEFAULT 'unknown',
			temperature REAL,
			humidity REAL,
			soil_moisture REAL,
			light REAL,
			light_percentage REAL,
			latitude REAL,
			longitude REAL,
			source_ts INTEGER,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_readings_created ON sensor_readings(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_readings_node_created ON sensor_readings(node_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS gateway_info (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			ip TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

type readingRow struct {
	ID              int64           `db:"id"`
	NodeID          sql.NullString  `db:"node_id"`
	Temperature     sql.NullFloat64 `db:"temperature"`
	Humidity        sql.NullFloat64 `db:"humidity"`
	SoilMoisture    sql.NullFloat64 `db:"soil_moisture"`
	Light           sql.NullFloat64 `db:"light"`
	LightPercentage sql.NullFloat64 `db:"light_percentage"`
	Latitude        sql.NullFloat64 `db:"latitude"`
	Longitude       sql.NullFloat64 `db:"longitude"`
	SourceTS        sql.NullInt64   `db:"source_ts"`
	CreatedAt       string          `db:"created_at"`
}

func (r readingRow) toModel() model.SensorReading {
	out := model.SensorReading{
		ID:              r.ID,
		NodeID:          r.NodeID.String,
		Temperature:     floatPtr(r.Temperature),
		Humidity:        floatPtr(r.Humidity),
		SoilMoisture:    floatPtr(r.SoilMoisture),
		Light:           floatPtr(r.Light),
		LightPercentage: floatPtr(r.LightPercentage),
		Latitude:        floatPtr(r.Latitude),
		Longitude:       floatPtr(r.Longitude),
		CreatedAt:       parseTime(r.CreatedAt),
	}
	if r.SourceTS.Valid {
		ts := r.SourceTS.Int64
		out.Timestamp = &ts
	}
	return out
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func readings(rows []readingRow) []model.SensorReading {
	out := make([]model.SensorReading, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// Insert persists a reading and returns it with its assigned id and creation time.
func (s *Store) Insert(ctx context.Context, r model.SensorReading) (model.SensorReading, error) {
	if s.db == nil {
		return model.SensorReading{}, errors.New(errStoreNotOpened)
	}

	if strings.TrimSpace(r.NodeID) == "" {
		r.NodeID = model.DefaultNodeID
	}
	r.CreatedAt = s.now().UTC()

	var sourceTS sql.NullInt64
	if r.Timestamp != nil {
		sourceTS = sql.NullInt64{Int64: *r.Timestamp, Valid: true}
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sensor_readings (node_id, temperature, humidity, soil_moisture, light, light_percentage, latitude, longitude, source_ts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.NodeID,
		nullFloat(r.Temperature),
		nullFloat(r.Humidity),
		nullFloat(r.SoilMoisture),
		nullFloat(r.Light),
		nullFloat(r.LightPercentage),
		nullFloat(r.Latitude),
		nullFloat(r.Longitude),
		sourceTS,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		return model.SensorReading{}, storageErr("insert sensor reading", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.SensorReading{}, storageErr("insert sensor reading", err)
	}
	r.ID = id

	return r, nil
}

// ListRecent returns up to limit readings, most recent first. A non-positive limit
// yields no rows.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]model.SensorReading, error) {
	return s.ListPaginated(ctx, limit, 0, "")
}

// ListPaginated returns a page of readings, most recent first, optionally for one node.
func (s *Store) ListPaginated(ctx context.Context, limit, offset int, nodeID string) ([]model.SensorReading, error) {
	if s.db == nil {
		return nil, errors.New(errStoreNotOpened)
	}

	if limit <= 0 {
		return []model.SensorReading{}, nil
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + readingColumns + ` FROM sensor_readings`
	var args []interface{}
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, limit, offset)

	var rows []readingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storageErr("query sensor readings", err)
	}
	return readings(rows), nil
}

// ListByDateRange returns readings created within [start, end], oldest first.
func (s *Store) ListByDateRange(ctx context.Context, start, end time.Time) ([]model.SensorReading, error) {
	if s.db == nil {
		return nil, errors.New(errStoreNotOpened)
	}

	var rows []readingRow
	err := s.db.SelectContext(
		ctx,
		&rows,
		`SELECT `+readingColumns+` FROM sensor_readings
		 WHERE created_at BETWEEN ? AND ?
		 ORDER BY created_at ASC, id ASC;`,
		formatTime(start),
		formatTime(end),
	)
	if err != nil {
		return nil, storageErr("query readings by date", err)
	}
	return readings(rows), nil
}

type aggregateRow struct {
	TempAvg sql.NullFloat64 `db:"temp_avg"`
	TempMax sql.NullFloat64 `db:"temp_max"`
	TempMin sql.NullFloat64 `db:"temp_min"`
	HumAvg  sql.NullFloat64 `db:"hum_avg"`
	HumMax  sql.NullFloat64 `db:"hum_max"`
	HumMin  sql.NullFloat64 `db:"hum_min"`
	Total   int64           `db:"total"`
}

// AggregateStats computes temperature and humidity aggregates over all readings.
func (s *Store) AggregateStats(ctx context.Context) (model.Stats, error) {
	if s.db == nil {
		return model.Stats{}, errors.New(errStoreNotOpened)
	}

	var agg aggregateRow
	err := s.db.GetContext(
		ctx,
		&agg,
		`SELECT AVG(temperature) AS temp_avg, MAX(temperature) AS temp_max, MIN(temperature) AS temp_min,
		        AVG(humidity) AS hum_avg, MAX(humidity) AS hum_max, MIN(humidity) AS hum_min,
		        COUNT(id) AS total
		 FROM sensor_readings;`,
	)
	if err != nil {
		return model.Stats{}, storageErr("aggregate stats", err)
	}

	stats := model.Stats{
		Temperature: model.Aggregate{Avg: agg.TempAvg.Float64, Max: agg.TempMax.Float64, Min: agg.TempMin.Float64},
		Humidity:    model.Aggregate{Avg: agg.HumAvg.Float64, Max: agg.HumMax.Float64, Min: agg.HumMin.Float64},
		Total:       agg.Total,
	}

	latest, err := s.Latest(ctx, "")
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return model.Stats{}, err
	default:
		stats.Latest = &latest
	}

	return stats, nil
}

// Count returns the number of readings, optionally for one node.
func (s *Store) Count(ctx context.Context, nodeID string) (int64, error) {
	if s.db == nil {
		return 0, errors.New(errStoreNotOpened)
	}

	query := `SELECT COUNT(id) FROM sensor_readings`
	var args []interface{}
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}

	var n int64
	if err := s.db.GetContext(ctx, &n, query+";", args...); err != nil {
		return 0, storageErr("count sensor readings", err)
	}
	return n, nil
}

// Latest returns the most recent reading, optionally for one node, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, nodeID string) (model.SensorReading, error) {
	rows, err := s.ListPaginated(ctx, 1, 0, nodeID)
	if err != nil {
		return model.SensorReading{}, err
	}
	if len(rows) == 0 {
		return model.SensorReading{}, ErrNotFound
	}
	return rows[0], nil
}

// DistinctNodes lists known node ids in ascending order, without the gateway.
func (s *Store) DistinctNodes(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errors.New(errStoreNotOpened)
	}

	nodes := []string{}
	err := s.db.SelectContext(
		ctx,
		&nodes,
		`SELECT DISTINCT node_id FROM sensor_readings
		 WHERE node_id IS NOT NULL AND node_id <> '' AND LOWER(TRIM(node_id)) <> ?
		 ORDER BY node_id ASC;`,
		model.GatewayNodeID,
	)
	if err != nil {
		return nil, storageErr("distinct nodes", err)
	}
	return nodes, nil
}

// FieldsPresent reports which sensor panels have data among the node's last readings.
func (s *Store) FieldsPresent(ctx context.Context, nodeID string) (model.FieldPresence, error) {
	if s.db == nil {
		return model.FieldPresence{}, errors.New(errStoreNotOpened)
	}

	var counts struct {
		Temperature     int `db:"temperature"`
		Humidity        int `db:"humidity"`
		SoilMoisture    int `db:"soil_moisture"`
		Light           int `db:"light"`
		LightPercentage int `db:"light_percentage"`
	}
	err := s.db.GetContext(
		ctx,
		&counts,
		`SELECT COUNT(temperature) AS temperature, COUNT(humidity) AS humidity,
		        COUNT(soil_moisture) AS soil_moisture, COUNT(light) AS light,
		        COUNT(light_percentage) AS light_percentage
		 FROM (
			SELECT temperature, humidity, soil_moisture, light, light_percentage
			FROM sensor_readings WHERE node_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 );`,
		nodeID,
		presenceWindow,
	)
	if err != nil {
		return model.FieldPresence{}, storageErr("fields present", err)
	}

	return model.FieldPresence{
		Temperature:     counts.Temperature > 0,
		Humidity:        counts.Humidity > 0,
		SoilMoisture:    counts.SoilMoisture > 0,
		Light:           counts.Light > 0,
		LightPercentage: counts.LightPercentage > 0,
	}, nil
}

// Delete removes a reading by id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	if s.db == nil {
		return false, errors.New(errStoreNotOpened)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE id = ?;`, id)
	if err != nil {
		return false, storageErr("delete sensor reading", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete sensor reading", err)
	}
	return n > 0, nil
}

type locationRow struct {
	NodeID    string  `db:"node_id"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}

// LatestLocation returns the last reading of nodeID carrying both coordinates, or ErrNotFound.
func (s *Store) LatestLocation(ctx context.Context, nodeID string) (model.Location, error) {
	if s.db == nil {
		return model.Location{}, errors.New(errStoreNotOpened)
	}

	var row locationRow
	err := s.db.GetContext(
		ctx,
		&row,
		`SELECT node_id, latitude, longitude FROM sensor_readings
		 WHERE node_id = ? AND latitude IS NOT NULL AND longitude IS NOT NULL
		 ORDER BY created_at DESC, id DESC LIMIT 1;`,
		nodeID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, ErrNotFound
	}
	if err != nil {
		return model.Location{}, storageErr("latest location", err)
	}
	return model.Location{NodeID: row.NodeID, Lat: row.Latitude, Lon: row.Longitude}, nil
}

// Locations returns the latest known location of every node that reported one.
func (s *Store) Locations(ctx context.Context) ([]model.Location, error) {
	if s.db == nil {
		return nil, errors.New(errStoreNotOpened)
	}

	var rows []locationRow
	err := s.db.SelectContext(
		ctx,
		&rows,
		`SELECT node_id, latitude, longitude FROM (
			SELECT node_id, latitude, longitude,
			       ROW_NUMBER() OVER (PARTITION BY node_id ORDER BY created_at DESC, id DESC) AS rn
			FROM sensor_readings
			WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		 ) WHERE rn = 1
		 ORDER BY node_id ASC;`,
	)
	if err != nil {
		return nil, storageErr("node locations", err)
	}

	out := make([]model.Location, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Location{NodeID: r.NodeID, Lat: r.Latitude, Lon: r.Longitude})
	}
	return out, nil
}

func (s *Store) ensureGatewayRow(ctx context.Context) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO gateway_info (id, ip, updated_at) VALUES (?, '', ?);`,
		gatewayInfoRowID,
		formatTime(s.now()),
	)
	return err
}

// GatewayAddress reads the singleton gateway row, creating it on first access.
func (s *Store) GatewayAddress(ctx context.Context) (model.GatewayInfo, error) {
	if s.db == nil {
		return model.GatewayInfo{}, errors.New(errStoreNotOpened)
	}

	if err := s.ensureGatewayRow(ctx); err != nil {
		return model.GatewayInfo{}, storageErr("create gateway info", err)
	}

	var row struct {
		IP        string `db:"ip"`
		UpdatedAt string `db:"updated_at"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT ip, updated_at FROM gateway_info WHERE id = ?;`, gatewayInfoRowID); err != nil {
		return model.GatewayInfo{}, storageErr("read gateway info", err)
	}
	return model.GatewayInfo{IP: row.IP, UpdatedAt: parseTime(row.UpdatedAt)}, nil
}

// SetGatewayAddress stores the gateway address in the singleton row.
func (s *Store) SetGatewayAddress(ctx context.Context, ip string) (model.GatewayInfo, error) {
	if s.db == nil {
		return model.GatewayInfo{}, errors.New(errStoreNotOpened)
	}

	info := model.GatewayInfo{IP: ip, UpdatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO gateway_info (id, ip, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ip = excluded.ip, updated_at = excluded.updated_at;`,
		gatewayInfoRowID,
		info.IP,
		formatTime(info.UpdatedAt),
	)
	if err != nil {
		return model.GatewayInfo{}, storageErr("update gateway info", err)
	}
	return info, nil
}
