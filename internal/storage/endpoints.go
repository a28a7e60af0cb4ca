package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
)

func (s *Store) CreateEndpoint(ctx context.Context, configName, secret string) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if configName == "" || secret == "" {
		return nil, fmt.Errorf("config name and secret are required")
	}

	ep := &Endpoint{
		ConfigName: configName,
		Secret:     secret,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO mailchimp_endpoints (config_name, secret, created_at)
VALUES (?, ?, ?)
RETURNING id`),
		ep.ConfigName,
		ep.Secret,
		ep.CreatedAt.UnixMilli(),
	).Scan(&ep.ID)
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	return ep, nil
}

// EndpointBySecret returns a NotFound error for unknown secrets.
func (s *Store) EndpointBySecret(ctx context.Context, secret string) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ep Endpoint
	var createdAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, config_name, secret, created_at
FROM mailchimp_endpoints
WHERE secret = ?`),
		secret,
	).Scan(&ep.ID, &ep.ConfigName, &ep.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.NotFound("no mailchimp endpoint for secret")
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}

	ep.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &ep, nil
}

func (s *Store) EndpointsByConfig(ctx context.Context, configName string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, config_name, secret, created_at
FROM mailchimp_endpoints
WHERE config_name = ?
ORDER BY id ASC`),
		configName,
	)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []Endpoint
	for rows.Next() {
		var ep Endpoint
		var createdAt int64
		if err := rows.Scan(&ep.ID, &ep.ConfigName, &ep.Secret, &createdAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ep.CreatedAt = time.UnixMilli(createdAt).UTC()
		endpoints = append(endpoints, ep)
	}

	return endpoints, rows.Err()
}
