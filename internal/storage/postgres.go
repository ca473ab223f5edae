package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting PostgresStore
// route every query through whichever is active.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements Store on top of database/sql + lib/pq. A
// PostgresStore obtained from NewPostgresStore holds a *sql.DB pool; a
// PostgresStore handed to a Transaction callback wraps the open *sql.Tx
// instead, and every method transparently uses whichever is set.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Transaction opens a Postgres transaction, runs fn against a Store
// scoped to it, and commits on success. A serialization failure
// (Postgres SQLSTATE 40001) is translated to ErrConflict so callers can
// retry the whole operation, satisfying spec §5's idempotent-retry
// contract.
func (s *PostgresStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	scoped := &PostgresStore{db: s.db, tx: tx}
	if err := fn(ctx, scoped); err != nil {
		_ = tx.Rollback()
		if isSerializationFailure(err) {
			return ErrConflict
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return ErrConflict
		}
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// isSerializationFailure reports whether err is Postgres SQLSTATE 40001,
// the code raised when SERIALIZABLE isolation detects a conflicting
// concurrent transaction. Such failures are expected under spec §5's
// concurrent-transaction model and should be retried by the caller, not
// surfaced as an engine error.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001"
	}
	return false
}

// -- device --

func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64, lock LockMode) (*models.Device, error) {
	query := `SELECT dev_eui, app_eui, app_key, profile_id, node_devaddr, app_args, last_join, dev_nonce_history
	          FROM device WHERE dev_eui = $1`
	if lock == LockWrite {
		query += " FOR UPDATE"
	}
	row := s.q().QueryRowContext(ctx, query, devEUI[:])

	var d models.Device
	var appEUI, nodeAddr []byte
	var appArgs, devNonces []byte
	if err := row.Scan(&d.DevEUI, &appEUI, &d.AppKey, &d.ProfileID, &nodeAddr, &appArgs, &d.LastJoin, &devNonces); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get device: %w", err)
	}
	if len(appEUI) == 8 {
		var e lorawan.EUI64
		copy(e[:], appEUI)
		d.AppEUI = &e
	}
	if len(nodeAddr) == 4 {
		var a lorawan.DevAddr
		copy(a[:], nodeAddr)
		d.NodeDevAddr = &a
	}
	if appArgs != nil {
		_ = d.AppArgs.Scan(appArgs)
	}
	if devNonces != nil {
		d.DevNonceHistory = decodeDevNonces(devNonces)
	}
	return &d, nil
}

func (s *PostgresStore) PutDevice(ctx context.Context, d *models.Device) error {
	var appEUI, nodeAddr []byte
	if d.AppEUI != nil {
		appEUI = d.AppEUI[:]
	}
	if d.NodeDevAddr != nil {
		nodeAddr = d.NodeDevAddr[:]
	}
	appArgsVal, err := d.AppArgs.Value()
	if err != nil {
		return fmt.Errorf("storage: put device: encode app_args: %w", err)
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO device (dev_eui, app_eui, app_key, profile_id, node_devaddr, app_args, last_join, dev_nonce_history)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (dev_eui) DO UPDATE SET
			app_eui=$2, app_key=$3, profile_id=$4, node_devaddr=$5, app_args=$6, last_join=$7, dev_nonce_history=$8`,
		d.DevEUI[:], appEUI, d.AppKey[:], d.ProfileID, nodeAddr, appArgsVal, d.LastJoin, encodeDevNonces(d.DevNonceHistory))
	if err != nil {
		return fmt.Errorf("storage: put device: %w", err)
	}
	return nil
}

func encodeDevNonces(ns []lorawan.DevNonce) []byte {
	out := make([]byte, len(ns)*2)
	for i, n := range ns {
		out[i*2], out[i*2+1] = n[0], n[1]
	}
	return out
}

func decodeDevNonces(b []byte) []lorawan.DevNonce {
	out := make([]lorawan.DevNonce, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		out = append(out, lorawan.DevNonce{b[i], b[i+1]})
	}
	return out
}

// -- node --

func (s *PostgresStore) GetNode(ctx context.Context, addr lorawan.DevAddr, lock LockMode) (*models.Node, error) {
	query := `SELECT devaddr, profile_id, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_use,
	          rx1_dr_offset, rx2_data_rate, rx2_freq, first_reset, last_reset, reset_count,
	          last_rx, last_gateways, devstat, devstat_fcnt, last_qs, adr_set, adr_failed, rxwin_failed, app_args
	          FROM node WHERE devaddr = $1`
	if lock == LockWrite {
		query += " FOR UPDATE"
	}
	row := s.q().QueryRowContext(ctx, query, addr[:])

	var n models.Node
	var lastGateways, devStat, lastQs, adrSet, appArgs []byte
	if err := row.Scan(&n.DevAddr, &n.ProfileID, &n.NwkSKey, &n.AppSKey, &n.FCntUp, &n.FCntDown, &n.ADRUse,
		&n.RXWinUse.RX1DROffset, &n.RXWinUse.RX2DataRate, &n.RXWinUse.RX2Freq,
		&n.FirstReset, &n.LastReset, &n.ResetCount, &n.LastRx, &lastGateways, &devStat, &n.DevStatFCnt,
		&lastQs, &adrSet, &n.ADRFailed, &n.RXWinFailed, &appArgs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get node: %w", err)
	}
	if lastGateways != nil {
		if err := json.Unmarshal(lastGateways, &n.LastGateways); err != nil {
			return nil, fmt.Errorf("storage: get node: decode last_gateways: %w", err)
		}
	}
	if devStat != nil {
		if err := n.DevStat.Scan(devStat); err != nil {
			return nil, fmt.Errorf("storage: get node: decode devstat: %w", err)
		}
	}
	if lastQs != nil {
		if err := json.Unmarshal(lastQs, &n.LastQs); err != nil {
			return nil, fmt.Errorf("storage: get node: decode last_qs: %w", err)
		}
	}
	if adrSet != nil {
		if err := n.ADRSet.Scan(adrSet); err != nil {
			return nil, fmt.Errorf("storage: get node: decode adr_set: %w", err)
		}
	}
	if appArgs != nil {
		if err := n.AppArgs.Scan(appArgs); err != nil {
			return nil, fmt.Errorf("storage: get node: decode app_args: %w", err)
		}
	}
	return &n, nil
}

func (s *PostgresStore) NodeExists(ctx context.Context, addr lorawan.DevAddr) (bool, error) {
	var exists bool
	err := s.q().QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM node WHERE devaddr=$1)`, addr[:]).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: node exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) PutNode(ctx context.Context, n *models.Node) error {
	var lastGateways, lastQs []byte
	if n.LastGateways != nil {
		var err error
		if lastGateways, err = json.Marshal(n.LastGateways); err != nil {
			return fmt.Errorf("storage: put node: encode last_gateways: %w", err)
		}
	}
	if n.LastQs != nil {
		var err error
		if lastQs, err = json.Marshal(n.LastQs); err != nil {
			return fmt.Errorf("storage: put node: encode last_qs: %w", err)
		}
	}
	devStatVal, err := n.DevStat.Value()
	if err != nil {
		return fmt.Errorf("storage: put node: encode devstat: %w", err)
	}
	adrSetVal, err := n.ADRSet.Value()
	if err != nil {
		return fmt.Errorf("storage: put node: encode adr_set: %w", err)
	}
	appArgsVal, err := n.AppArgs.Value()
	if err != nil {
		return fmt.Errorf("storage: put node: encode app_args: %w", err)
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO node (devaddr, profile_id, nwk_s_key, app_s_key, fcnt_up, fcnt_down, adr_use,
			rx1_dr_offset, rx2_data_rate, rx2_freq, first_reset, last_reset, reset_count,
			last_rx, last_gateways, devstat, devstat_fcnt, last_qs, adr_set, adr_failed, rxwin_failed, app_args)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (devaddr) DO UPDATE SET
			profile_id=$2, nwk_s_key=$3, app_s_key=$4, fcnt_up=$5, fcnt_down=$6, adr_use=$7,
			rx1_dr_offset=$8, rx2_data_rate=$9, rx2_freq=$10, first_reset=$11, last_reset=$12,
			reset_count=$13, last_rx=$14, last_gateways=$15, devstat=$16, devstat_fcnt=$17,
			last_qs=$18, adr_set=$19, adr_failed=$20, rxwin_failed=$21, app_args=$22`,
		n.DevAddr[:], n.ProfileID, n.NwkSKey[:], n.AppSKey[:], n.FCntUp, n.FCntDown, n.ADRUse,
		n.RXWinUse.RX1DROffset, n.RXWinUse.RX2DataRate, n.RXWinUse.RX2Freq,
		n.FirstReset, n.LastReset, n.ResetCount, n.LastRx, lastGateways, devStatVal, n.DevStatFCnt,
		lastQs, adrSetVal, n.ADRFailed, n.RXWinFailed, appArgsVal)
	if err != nil {
		return fmt.Errorf("storage: put node: %w", err)
	}
	return nil
}

// -- profile / network --

func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	err := s.q().QueryRowContext(ctx, `SELECT id, network, can_join, fcnt_check, rx1_delay, created_at, updated_at
		FROM profile WHERE id=$1`, id).
		Scan(&p.ID, &p.Network, &p.CanJoin, &p.FCntCheck, &p.RX1Delay, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *models.Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO profile (id, network, can_join, fcnt_check, rx1_delay)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET network=$2, can_join=$3, fcnt_check=$4, rx1_delay=$5`,
		p.ID, p.Network, p.CanJoin, p.FCntCheck, p.RX1Delay)
	if err != nil {
		return fmt.Errorf("storage: put profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNetwork(ctx context.Context, name string) (*models.Network, error) {
	var n models.Network
	var subBits sql.NullInt64
	var subWidth sql.NullInt64
	err := s.q().QueryRowContext(ctx, `SELECT id, name, net_id, sub_id_bits, sub_id_width, region, created_at, updated_at
		FROM network WHERE name=$1`, name).
		Scan(&n.ID, &n.Name, &n.NetID, &subBits, &subWidth, &n.Region, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get network: %w", err)
	}
	if subWidth.Valid && subWidth.Int64 > 0 {
		n.SubID = &models.SubIDBits{Bits: uint32(subBits.Int64), Width: uint8(subWidth.Int64)}
	}
	return &n, nil
}

func (s *PostgresStore) PutNetwork(ctx context.Context, n *models.Network) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var subBits, subWidth interface{}
	if n.SubID != nil {
		subBits, subWidth = n.SubID.Bits, n.SubID.Width
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO network (id, name, net_id, sub_id_bits, sub_id_width, region)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name=$2, net_id=$3, sub_id_bits=$4, sub_id_width=$5, region=$6`,
		n.ID, n.Name, n.NetID[:], subBits, subWidth, n.Region)
	if err != nil {
		return fmt.Errorf("storage: put network: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNetworks(ctx context.Context) ([]*models.Network, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT id, name, net_id, sub_id_bits, sub_id_width, region, created_at, updated_at FROM network`)
	if err != nil {
		return nil, fmt.Errorf("storage: list networks: %w", err)
	}
	defer rows.Close()

	var out []*models.Network
	for rows.Next() {
		var n models.Network
		var subBits, subWidth sql.NullInt64
		if err := rows.Scan(&n.ID, &n.Name, &n.NetID, &subBits, &subWidth, &n.Region, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: list networks: scan: %w", err)
		}
		if subWidth.Valid && subWidth.Int64 > 0 {
			n.SubID = &models.SubIDBits{Bits: uint32(subBits.Int64), Width: uint8(subWidth.Int64)}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// -- multicast channel --

func (s *PostgresStore) GetMulticastChannel(ctx context.Context, addr lorawan.DevAddr, lock LockMode) (*models.MulticastChannel, error) {
	query := `SELECT devaddr, nwk_s_key, app_s_key, fcnt_down FROM multicast_channel WHERE devaddr=$1`
	if lock == LockWrite {
		query += " FOR UPDATE"
	}
	var m models.MulticastChannel
	err := s.q().QueryRowContext(ctx, query, addr[:]).Scan(&m.DevAddr, &m.NwkSKey, &m.AppSKey, &m.FCntDown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get multicast channel: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) PutMulticastChannel(ctx context.Context, m *models.MulticastChannel) error {
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO multicast_channel (devaddr, nwk_s_key, app_s_key, fcnt_down)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (devaddr) DO UPDATE SET nwk_s_key=$2, app_s_key=$3, fcnt_down=$4`,
		m.DevAddr[:], m.NwkSKey[:], m.AppSKey[:], m.FCntDown)
	if err != nil {
		return fmt.Errorf("storage: put multicast channel: %w", err)
	}
	return nil
}

// -- ignored nodes / pending --

func (s *PostgresStore) DirtyAllIgnoredNodes(ctx context.Context) ([]models.IgnoredNode, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT devaddr, mask FROM ignored_node`)
	if err != nil {
		return nil, fmt.Errorf("storage: dirty all ignored nodes: %w", err)
	}
	defer rows.Close()

	var out []models.IgnoredNode
	for rows.Next() {
		var n models.IgnoredNode
		var mask []byte
		if err := rows.Scan(&n.DevAddr, &mask); err != nil {
			return nil, fmt.Errorf("storage: dirty all ignored nodes: scan: %w", err)
		}
		if len(mask) == 4 {
			var m lorawan.DevAddr
			copy(m[:], mask)
			n.Mask = &m
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutIgnoredNode(ctx context.Context, n *models.IgnoredNode) error {
	var mask []byte
	if n.Mask != nil {
		mask = n.Mask[:]
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO ignored_node (devaddr, mask) VALUES ($1,$2)
		ON CONFLICT (devaddr) DO UPDATE SET mask=$2`, n.DevAddr[:], mask)
	if err != nil {
		return fmt.Errorf("storage: put ignored node: %w", err)
	}
	return nil
}

func (s *PostgresStore) DirtyDeletePending(ctx context.Context, addr lorawan.DevAddr) error {
	_, err := s.q().ExecContext(ctx, `DELETE FROM pending WHERE devaddr=$1`, addr[:])
	if err != nil {
		return fmt.Errorf("storage: dirty delete pending: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutPending(ctx context.Context, p *models.Pending) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO pending (id, devaddr, payload, queued_at) VALUES ($1,$2,$3,$4)`,
		p.ID, p.DevAddr[:], p.Payload, p.QueuedAt)
	if err != nil {
		return fmt.Errorf("storage: put pending: %w", err)
	}
	return nil
}
