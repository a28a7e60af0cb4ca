package storage

import (
	"context"
	"fmt"
	"time"
)

// CreateRevision inserts a new open revision for the configuration.
func (s *Store) CreateRevision(
	ctx context.Context,
	configName string,
	revisionID int64,
) (*Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rev := &Revision{
		ConfigName: configName,
		RevisionID: revisionID,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO revisions (config_name, revision_id, sync_successful, created_at)
VALUES (?, ?, ?, ?)
RETURNING id`),
		rev.ConfigName,
		rev.RevisionID,
		false,
		rev.CreatedAt.UnixMilli(),
	).Scan(&rev.ID)
	if err != nil {
		return nil, fmt.Errorf("create revision: %w", err)
	}

	return rev, nil
}

// OpenRevisions lists the unsuccessful revisions of the configuration,
// oldest first.
func (s *Store) OpenRevisions(ctx context.Context, configName string) ([]Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, config_name, revision_id, sync_successful, created_at
FROM revisions
WHERE config_name = ? AND sync_successful = ?
ORDER BY id ASC`),
		configName,
		false,
	)
	if err != nil {
		return nil, fmt.Errorf("list open revisions: %w", err)
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var rev Revision
		var createdAt int64
		if err := rows.Scan(
			&rev.ID,
			&rev.ConfigName,
			&rev.RevisionID,
			&rev.SyncSuccessful,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev.CreatedAt = time.UnixMilli(createdAt).UTC()
		revisions = append(revisions, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}

	return revisions, nil
}

// DeleteOpenRevisions removes every unsuccessful revision of the
// configuration and returns how many were removed.
func (s *Store) DeleteOpenRevisions(ctx context.Context, configName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`DELETE FROM revisions WHERE config_name = ? AND sync_successful = ?`),
		configName,
		false,
	)
	if err != nil {
		return 0, fmt.Errorf("delete open revisions: %w", err)
	}

	return res.RowsAffected()
}

func (s *Store) MarkRevisionSuccessful(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`UPDATE revisions SET sync_successful = ? WHERE id = ?`),
		true,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark revision %d successful: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark revision %d successful: no such revision", id)
	}

	return nil
}

// LatestSuccessfulRevisionID returns the CRM revision of the newest
// successful run, or -1 if there is none.
func (s *Store) LatestSuccessfulRevisionID(ctx context.Context, configName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var revisionID int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT COALESCE(MAX(revision_id), -1)
FROM revisions
WHERE config_name = ? AND sync_successful = ?`),
		configName,
		true,
	).Scan(&revisionID)
	if err != nil {
		return 0, fmt.Errorf("latest successful revision: %w", err)
	}

	return revisionID, nil
}
