// Package sqlite implements a host credential store in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3/driver"    // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"   // Load sqlite WASM binary
	_ "github.com/ncruces/go-sqlite3/vfs/xts" // Encryption VFS

	"github.com/TheusHen/thp/thp/credential"
	"github.com/TheusHen/thp/thp/crypto"
	"github.com/TheusHen/thp/thp/identity"
)

// DB stores credentials, one row per device.
type DB struct {
	db *sql.DB
}

var _ credential.Store = (*DB)(nil)

// Open creates or opens a database file. If a password is specified the
// xts VFS encrypts the file with a text key, which also protects the stored
// host private keys.
func Open(filename, password string) (*DB, error) {
	query := "?_pragma=busy_timeout(5000)"
	if password != "" {
		query += fmt.Sprintf("&vfs=xts&_pragma=textkey(%q)&_pragma=temp_store(memory)", password)
	}
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + query)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := Init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps a database already initialized with Init.
func New(db *sql.DB) *DB { return &DB{db: db} }

// Init creates the credentials table.
func Init(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS credentials
		( device_id BLOB PRIMARY KEY
		, device_key BLOB NOT NULL
		, host_private_key BLOB NOT NULL
		, credential BLOB NOT NULL
		, autoconnect INTEGER NOT NULL
		, issued_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("error creating credentials table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error { return db.db.Close() }

// Lookup implements credential.Store.
func (db *DB) Lookup(deviceKey []byte) (credential.Credential, bool, error) {
	return db.LookupContext(context.Background(), deviceKey)
}

func (db *DB) LookupContext(ctx context.Context, deviceKey []byte) (credential.Credential, bool, error) {
	id := identity.DeviceIDFromPublicKey(deviceKey)
	var (
		devKey, hostPriv, blob []byte
		autoconnect            int64
		issuedAt               int64
	)
	err := db.db.QueryRowContext(ctx,
		`SELECT device_key, host_private_key, credential, autoconnect, issued_at
		FROM credentials WHERE device_id = ?`, id[:]).
		Scan(&devKey, &hostPriv, &blob, &autoconnect, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("error querying credential for %s: %w", id.Short(), err)
	}
	defer crypto.Wipe(hostPriv)

	if len(devKey) != crypto.DHLen {
		return credential.Credential{}, false, fmt.Errorf("%w: stored device key for %s", credential.ErrInvalidCredential, id.Short())
	}
	hostKey, err := crypto.KeyPairFromPrivate(hostPriv)
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("%w: stored host key for %s", credential.ErrInvalidCredential, id.Short())
	}
	c := credential.Credential{
		HostKey:     hostKey,
		Blob:        blob,
		Autoconnect: autoconnect != 0,
		IssuedAt:    time.Unix(issuedAt, 0),
	}
	copy(c.DeviceKey[:], devKey)
	return c, true, nil
}

// Save implements credential.Store. A newer credential for the same device
// replaces the old one.
func (db *DB) Save(c credential.Credential) error {
	return db.SaveContext(context.Background(), c)
}

func (db *DB) SaveContext(ctx context.Context, c credential.Credential) error {
	if len(c.Blob) == 0 {
		return credential.ErrInvalidCredential
	}
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	autoconnect := 0
	if c.Autoconnect {
		autoconnect = 1
	}
	id := c.DeviceID()
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO credentials
		(device_id, device_key, host_private_key, credential, autoconnect, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
		device_key = excluded.device_key,
		host_private_key = excluded.host_private_key,
		credential = excluded.credential,
		autoconnect = excluded.autoconnect,
		issued_at = excluded.issued_at`,
		id[:], c.DeviceKey[:], c.HostKey.PrivateKey[:], c.Blob, autoconnect, issued.Unix())
	if err != nil {
		return fmt.Errorf("error saving credential for %s: %w", id.Short(), err)
	}
	return nil
}

// Forget deletes the credential for a device.
func (db *DB) Forget(ctx context.Context, id identity.DeviceID) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM credentials WHERE device_id = ?`, id[:])
	return err
}

// Entry summarizes a stored credential without its key material.
type Entry struct {
	Device      identity.DeviceID
	Autoconnect bool
	IssuedAt    time.Time
}

// List returns all stored credentials, oldest first.
func (db *DB) List(ctx context.Context) ([]Entry, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT device_id, autoconnect, issued_at FROM credentials ORDER BY issued_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			raw         []byte
			autoconnect int64
			issuedAt    int64
		)
		if err := rows.Scan(&raw, &autoconnect, &issuedAt); err != nil {
			return nil, err
		}
		if len(raw) != len(identity.DeviceID{}) {
			continue
		}
		entries = append(entries, Entry{
			Device:      identity.DeviceID(raw),
			Autoconnect: autoconnect != 0,
			IssuedAt:    time.Unix(issuedAt, 0),
		})
	}
	return entries, rows.Err()
}
