package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/relves/groupsync/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// GroupStore is the SQLite database holding one group's log and metadata.
type GroupStore struct {
	db      *sql.DB
	groupID uint64
	dbPath  string
}

// GroupDir returns the directory holding a group's database.
func GroupDir(basePath string, groupID uint64) string {
	return filepath.Join(basePath, "groups", strconv.FormatUint(groupID, 10))
}

func OpenGroupStore(basePath string, groupID uint64) (*GroupStore, error) {
	groupDir := GroupDir(basePath, groupID)
	if err := os.MkdirAll(groupDir, 0755); err != nil {
		return nil, fmt.Errorf("create group directory: %w", err)
	}

	dbPath := filepath.Join(groupDir, "group.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer per group; a second connection serves reads.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &GroupStore{
		db:      db,
		groupID: groupID,
		dbPath:  dbPath,
	}, nil
}

func (s *GroupStore) Close() error {
	return s.db.Close()
}

func (s *GroupStore) GroupID() uint64 {
	return s.groupID
}

func (s *GroupStore) DBPath() string {
	return s.dbPath
}

var (
	ErrNotFound      = storage.ErrNotFound
	ErrAlreadyExists = storage.ErrAlreadyExists
	ErrHeadMismatch  = storage.ErrHeadMismatch
)

// SQLite integers are signed; group ids keep their bit pattern.
func dbID(groupID uint64) int64 {
	return int64(groupID)
}

func (s *GroupStore) CreateGroup(ctx context.Context, rec storage.GroupRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	state := rec.State
	if state == "" {
		state = "active"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, name, state, owner, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(group_id) DO NOTHING`,
		dbID(rec.GroupID), rec.Name, state, rec.Owner, now, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", rec.GroupID, ErrAlreadyExists)
	}
	return nil
}

func (s *GroupStore) GetGroup(ctx context.Context, groupID uint64) (*storage.GroupRecord, error) {
	var (
		rec                  storage.GroupRecord
		id                   int64
		createdAt, updatedAt string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, name, state, owner, created_at, updated_at
		 FROM groups WHERE group_id = ?`,
		dbID(groupID)).Scan(&id, &rec.Name, &rec.State, &rec.Owner, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.GroupID = uint64(id)

	var parseErr error
	rec.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "groupID", groupID, "value", createdAt, "error", parseErr)
	}
	rec.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		slog.Warn("failed to parse updated_at timestamp", "groupID", groupID, "value", updatedAt, "error", parseErr)
	}

	return &rec, nil
}

func (s *GroupStore) SetGroupName(ctx context.Context, groupID uint64, name string) error {
	return s.updateGroup(ctx, groupID, `UPDATE groups SET name = ?, updated_at = ? WHERE group_id = ?`, name)
}

func (s *GroupStore) SetGroupState(ctx context.Context, groupID uint64, state string) error {
	return s.updateGroup(ctx, groupID, `UPDATE groups SET state = ?, updated_at = ? WHERE group_id = ?`, state)
}

func (s *GroupStore) updateGroup(ctx context.Context, groupID uint64, query, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, query, value, now, dbID(groupID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxHeight returns the highest stored height, 0 for an empty log.
func (s *GroupStore) MaxHeight(ctx context.Context, groupID uint64) (int64, error) {
	var height int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(height), 0) FROM events WHERE group_id = ?`,
		dbID(groupID)).Scan(&height)
	return height, err
}

// AppendEvent stores rec at rec.Height, which must directly follow the stored head.
// A non-nil member is written in the same transaction.
func (s *GroupStore) AppendEvent(ctx context.Context, groupID uint64, rec storage.EventRecord, member *storage.MemberRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var head int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(height), 0) FROM events WHERE group_id = ?`,
		dbID(groupID)).Scan(&head); err != nil {
		return err
	}
	if head != rec.Height-1 {
		return fmt.Errorf("%w: stored head is %d, appending %d", ErrHeadMismatch, head, rec.Height)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (group_id, height, kind, cid, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dbID(groupID), rec.Height, rec.Kind, rec.CID, rec.Payload, now); err != nil {
		return err
	}

	if member != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO members (group_id, member_id, join_height, name, avatar, addr, leave_height)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(group_id, member_id) DO UPDATE SET
			   join_height = excluded.join_height,
			   name = excluded.name,
			   avatar = excluded.avatar,
			   addr = CASE WHEN excluded.addr = '' THEN members.addr ELSE excluded.addr END,
			   leave_height = excluded.leave_height`,
			dbID(groupID), member.MemberID, member.JoinHeight, member.Name, member.Avatar,
			member.Addr, member.LeaveHeight); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *GroupStore) GetEvent(ctx context.Context, groupID uint64, height int64) (*storage.EventRecord, error) {
	rec := storage.EventRecord{Height: height}
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, cid, payload FROM events WHERE group_id = ? AND height = ?`,
		dbID(groupID), height).Scan(&rec.Kind, &rec.CID, &rec.Payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReadEvents returns events with from <= height <= to in height order.
func (s *GroupStore) ReadEvents(ctx context.Context, groupID uint64, from, to int64) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT height, kind, cid, payload FROM events
		 WHERE group_id = ? AND height >= ? AND height <= ?
		 ORDER BY height`,
		dbID(groupID), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.EventRecord
	for rows.Next() {
		var rec storage.EventRecord
		if err := rows.Scan(&rec.Height, &rec.Kind, &rec.CID, &rec.Payload); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *GroupStore) GetMember(ctx context.Context, groupID uint64, memberID string) (*storage.MemberRecord, error) {
	rec := storage.MemberRecord{MemberID: memberID}
	err := s.db.QueryRowContext(ctx,
		`SELECT join_height, name, avatar, addr, leave_height
		 FROM members WHERE group_id = ? AND member_id = ?`,
		dbID(groupID), memberID).Scan(&rec.JoinHeight, &rec.Name, &rec.Avatar, &rec.Addr, &rec.LeaveHeight)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListMembers returns every member that has joined, including those who left.
func (s *GroupStore) ListMembers(ctx context.Context, groupID uint64) ([]storage.MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, join_height, name, avatar, addr, leave_height
		 FROM members WHERE group_id = ? AND join_height > 0
		 ORDER BY join_height`,
		dbID(groupID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []storage.MemberRecord
	for rows.Next() {
		var rec storage.MemberRecord
		if err := rows.Scan(&rec.MemberID, &rec.JoinHeight, &rec.Name, &rec.Avatar, &rec.Addr, &rec.LeaveHeight); err != nil {
			return nil, err
		}
		members = append(members, rec)
	}

	return members, rows.Err()
}

// SetMemberAddr records the last known address of a peer, member or not.
func (s *GroupStore) SetMemberAddr(ctx context.Context, groupID uint64, memberID, addr string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (group_id, member_id, addr) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, member_id) DO UPDATE SET addr = excluded.addr`,
		dbID(groupID), memberID, addr)
	return err
}

func (s *GroupStore) AddRevocation(ctx context.Context, delegationCID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revocations (delegation_cid, revoked_at) VALUES (?, ?)
		 ON CONFLICT(delegation_cid) DO NOTHING`,
		delegationCID, now)
	return err
}

func (s *GroupStore) IsRevoked(ctx context.Context, delegationCID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revocations WHERE delegation_cid = ?`,
		delegationCID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GroupStore) GetRevocations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT delegation_cid FROM revocations ORDER BY revoked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}

	return cids, rows.Err()
}
