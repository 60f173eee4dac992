package store

import (
	"fmt"
	"time"
)

const secretAuditCap = 200

// PutSecret stores or replaces an encrypted secret and records the write
// in the secret audit ring. The store never sees plaintext; encryption
// is the SecretStore adapter's concern.
func (s *Store) PutSecret(sec Secret, actor string) error {
	if sec.Name == "" {
		return fmt.Errorf("secret name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO secrets (name, encrypted_value, encryption_key_id, owner_user_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			encryption_key_id = excluded.encryption_key_id,
			owner_user_id = excluded.owner_user_id,
			updated_at = excluded.updated_at`,
		sec.Name, sec.EncryptedValue, sec.EncryptionKeyID, sec.OwnerUserID, time.Now().UTC(),
	)
	if err != nil {
		return storageErr("put secret", err)
	}
	return s.appendSecretAuditLocked(sec.Name, "store", actor)
}

// GetSecret retrieves a secret by name and audits the read.
func (s *Store) GetSecret(name, actor string) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sec Secret
	err := s.db.QueryRow(`
		SELECT name, encrypted_value, encryption_key_id, owner_user_id, updated_at
		FROM secrets WHERE name = ?`, name,
	).Scan(&sec.Name, &sec.EncryptedValue, &sec.EncryptionKeyID, &sec.OwnerUserID, &sec.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: secret %s", ErrNotFound, name)
		}
		return nil, storageErr("get secret", err)
	}

	if err := s.appendSecretAuditLocked(name, "retrieve", actor); err != nil {
		return nil, err
	}
	return &sec, nil
}

// DeleteSecret removes a secret and audits the deletion.
func (s *Store) DeleteSecret(name, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM secrets WHERE name = ?", name)
	if err != nil {
		return storageErr("delete secret", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: secret %s", ErrNotFound, name)
	}
	return s.appendSecretAuditLocked(name, "delete", actor)
}

func (s *Store) appendSecretAuditLocked(name, action, actor string) error {
	_, err := s.db.Exec(
		"INSERT INTO secret_audit (name, action, actor, at) VALUES (?, ?, ?, ?)",
		name, action, actor, time.Now().UTC(),
	)
	if err != nil {
		return storageErr("secret audit", err)
	}
	_, _ = s.db.Exec(`
		DELETE FROM secret_audit WHERE id NOT IN (
			SELECT id FROM secret_audit ORDER BY id DESC LIMIT ?
		)`, secretAuditCap)
	return nil
}

// SecretAuditEntries returns the newest n secret-audit rows.
func (s *Store) SecretAuditEntries(n int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, at, action, name, actor FROM secret_audit
		ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, storageErr("secret audit list", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Action, &e.Target, &e.Actor); err != nil {
			return nil, storageErr("scan secret audit", err)
		}
		e.Status = "success"
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
