package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"koresoft/device-identity/internal/model"
	"koresoft/device-identity/internal/repository"
)

const uniqueViolation = "23505"

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

var _ repository.Querier = (*Queries)(nil)

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// translate maps driver errors onto the repository sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

func (q *Queries) CreateChallenge(ctx context.Context, c model.Challenge) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO enrollment_challenges (id, client_id, nonce_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ClientID, c.NonceHash, c.ExpiresAt, c.Used, c.CreatedAt)
	return translate(err)
}

func (q *Queries) FindActiveChallenge(ctx context.Context, clientID, nonceHash string, now time.Time) (model.Challenge, error) {
	var c model.Challenge
	err := q.db.QueryRow(ctx, `
		SELECT id, client_id, nonce_hash, expires_at, used, created_at
		FROM enrollment_challenges
		WHERE client_id = $1 AND nonce_hash = $2 AND used = false AND expires_at > $3
	`, clientID, nonceHash, now).Scan(&c.ID, &c.ClientID, &c.NonceHash, &c.ExpiresAt, &c.Used, &c.CreatedAt)
	return c, translate(err)
}

func (q *Queries) ConsumeChallenge(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE enrollment_challenges
		SET used = true
		WHERE id = $1 AND used = false AND expires_at > $2
	`, id, now)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) PurgeChallenges(ctx context.Context, now, usedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM enrollment_challenges
		WHERE expires_at <= $1 OR (used AND created_at < $2)
	`, now, usedBefore)
	if err != nil {
		return 0, translate(err)
	}
	return tag.RowsAffected(), nil
}

const deviceColumns = `id, client_id, public_key, state, last_heartbeat, suspended_until,
	model, os, location, coordinates, app_version, created_at, updated_at`

func scanDevice(row pgx.Row) (model.Device, error) {
	var d model.Device
	var state string
	err := row.Scan(
		&d.ID,
		&d.ClientID,
		&d.PublicKey,
		&state,
		&d.LastHeartbeat,
		&d.SuspendedUntil,
		&d.Metadata.Model,
		&d.Metadata.OS,
		&d.Metadata.Location,
		&d.Metadata.Coordinates,
		&d.Metadata.AppVersion,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	d.State = model.DeviceState(state)
	return d, translate(err)
}

func (q *Queries) GetDevice(ctx context.Context, id string) (model.Device, error) {
	return scanDevice(q.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (q *Queries) LockDevice(ctx context.Context, id string) (model.Device, error) {
	return scanDevice(q.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) EnsureEnrolledDevice(ctx context.Context, d model.Device) (model.Device, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	return scanDevice(q.db.QueryRow(ctx, `
		INSERT INTO devices (id, client_id, public_key, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (client_id, public_key) DO UPDATE SET updated_at = devices.updated_at
		RETURNING `+deviceColumns,
		d.ID, d.ClientID, d.PublicKey, string(d.State), d.CreatedAt))
}

func (q *Queries) CreateDevice(ctx context.Context, d model.Device) (model.Device, bool, error) {
	created, err := scanDevice(q.db.QueryRow(ctx, `
		INSERT INTO devices (id, client_id, public_key, state, last_heartbeat,
			model, os, location, coordinates, app_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+deviceColumns,
		d.ID, d.ClientID, d.PublicKey, string(d.State), d.LastHeartbeat,
		d.Metadata.Model, d.Metadata.OS, d.Metadata.Location, d.Metadata.Coordinates, d.Metadata.AppVersion,
		d.CreatedAt))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return model.Device{}, false, err
	}
	existing, err := q.GetDevice(ctx, d.ID)
	return existing, false, err
}

func (q *Queries) ActivateDevice(ctx context.Context, id string, clientID *string, now time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO devices (id, client_id, state, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, 'active', $3, $3, $3)
		ON CONFLICT (id) DO UPDATE SET
			state = 'active',
			suspended_until = NULL,
			last_heartbeat = EXCLUDED.last_heartbeat,
			client_id = COALESCE(devices.client_id, EXCLUDED.client_id),
			updated_at = EXCLUDED.updated_at
	`, id, clientID, now)
	return translate(err)
}

func (q *Queries) SetDeviceState(ctx context.Context, id string, state model.DeviceState, suspendedUntil *time.Time, now time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE devices SET state = $2, suspended_until = $3, updated_at = $4 WHERE id = $1
	`, id, string(state), suspendedUntil, now)
	return affected(tag, err)
}

func (q *Queries) TouchHeartbeat(ctx context.Context, id string, now time.Time) error {
	tag, err := q.db.Exec(ctx, `UPDATE devices SET last_heartbeat = $2, updated_at = $2 WHERE id = $1`, id, now)
	return affected(tag, err)
}

func (q *Queries) UpdateDeviceMetadata(ctx context.Context, id string, m model.DeviceMetadata, now time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE devices SET
			model = COALESCE($2, model),
			os = COALESCE($3, os),
			location = COALESCE($4, location),
			coordinates = COALESCE($5, coordinates),
			app_version = COALESCE($6, app_version),
			updated_at = $7
		WHERE id = $1
	`, id, m.Model, m.OS, m.Location, m.Coordinates, m.AppVersion, now)
	return affected(tag, err)
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const requestColumns = `id, device_id, client_id, model, os, location, lat, lon, state, reason, created_at, updated_at`

func scanRequest(row pgx.Row) (model.EnrollmentRequest, error) {
	var r model.EnrollmentRequest
	var state string
	err := row.Scan(&r.ID, &r.DeviceID, &r.ClientID, &r.Model, &r.OS, &r.Location, &r.Lat, &r.Lon, &state, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	r.State = model.RequestState(state)
	return r, translate(err)
}

func collectRequests(rows pgx.Rows, err error) ([]model.EnrollmentRequest, error) {
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	items := []model.EnrollmentRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, translate(rows.Err())
}

// CreateRequest inserts a pending request unless the device already has one,
// in which case the existing request is returned. The pending request can be
// decided between the two statements, so the insert is retried once.
func (q *Queries) CreateRequest(ctx context.Context, r model.EnrollmentRequest) (model.EnrollmentRequest, bool, error) {
	for attempt := 0; ; attempt++ {
		created, err := scanRequest(q.db.QueryRow(ctx, `
			INSERT INTO enrollment_requests (id, device_id, client_id, model, os, location, lat, lon, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $9)
			ON CONFLICT (device_id) WHERE state = 'pending' DO NOTHING
			RETURNING `+requestColumns,
			r.ID, r.DeviceID, r.ClientID, r.Model, r.OS, r.Location, r.Lat, r.Lon, r.CreatedAt))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return model.EnrollmentRequest{}, false, err
		}
		existing, err := scanRequest(q.db.QueryRow(ctx, `
			SELECT `+requestColumns+` FROM enrollment_requests
			WHERE device_id = $1 AND state = 'pending'
		`, r.DeviceID))
		if errors.Is(err, repository.ErrNotFound) && attempt == 0 {
			continue
		}
		return existing, false, err
	}
}

func (q *Queries) GetRequest(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	return scanRequest(q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM enrollment_requests WHERE id = $1`, id))
}

func (q *Queries) LockRequest(ctx context.Context, id string) (model.EnrollmentRequest, error) {
	return scanRequest(q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM enrollment_requests WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) SetRequestState(ctx context.Context, id string, state model.RequestState, reason *string, now time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE enrollment_requests SET state = $2, reason = $3, updated_at = $4 WHERE id = $1
	`, id, string(state), reason, now)
	return affected(tag, err)
}

func (q *Queries) ListRequests(ctx context.Context, filter model.RequestFilter) ([]model.EnrollmentRequest, int, error) {
	var state *string
	if filter.State != nil {
		s := string(*filter.State)
		state = &s
	}
	var total int
	if err := q.db.QueryRow(ctx, `
		SELECT count(*) FROM enrollment_requests WHERE ($1::text IS NULL OR state = $1)
	`, state).Scan(&total); err != nil {
		return nil, 0, translate(err)
	}
	items, err := collectRequests(q.db.Query(ctx, `
		SELECT `+requestColumns+` FROM enrollment_requests
		WHERE ($1::text IS NULL OR state = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, state, filter.Limit, filter.Offset))
	return items, total, err
}

func (q *Queries) ListDeviceRequests(ctx context.Context, deviceID string, limit int) ([]model.EnrollmentRequest, error) {
	return collectRequests(q.db.Query(ctx, `
		SELECT `+requestColumns+` FROM enrollment_requests
		WHERE device_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, deviceID, limit))
}

func (q *Queries) AppendAudit(ctx context.Context, e model.AuditEvent) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_events (device_id, type, payload, created_at) VALUES ($1, $2, $3, $4)
	`, e.DeviceID, e.Type, []byte(payload), createdAt)
	return translate(err)
}

func (q *Queries) ListAuditEvents(ctx context.Context, deviceID string, limit int) ([]model.AuditEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, device_id, type, payload, created_at
		FROM audit_events
		WHERE device_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	events := []model.AuditEvent{}
	for rows.Next() {
		var e model.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, translate(err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, translate(rows.Err())
}

func (q *Queries) RecordCredential(ctx context.Context, r model.CredentialRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO credentials (jti, device_id, issued_at, expires_at, scopes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`, r.JTI, r.DeviceID, r.IssuedAt, r.ExpiresAt, r.Scopes)
	return translate(err)
}
