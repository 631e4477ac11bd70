package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewConnectionID mints a connection identifier in the public conn_<uuid>
// form.
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// NewID mints an internal row identifier.
func NewID() string {
	return uuid.NewString()
}

// --- API keys ---

// GetAPIKeyByPublicKey loads an API key by its public key string, any status.
func (s *Store) GetAPIKeyByPublicKey(ctx context.Context, publicKey string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// TouchAPIKeyLastUsed records key usage. Called off the request path; errors
// are the caller's to log, not to surface.
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, keyID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", at).Error
}

// CreateAPIKey inserts a key row. Used by seeding and tests; key issuance
// itself is the dashboard's job.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(key).Error
}

// --- Projects ---

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// CreateProject inserts a project row. Used by seeding and tests.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// --- Providers ---

// GetProvider loads an enabled provider descriptor by canonical name.
func (s *Store) GetProvider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	err := s.db.WithContext(ctx).Where("name = ? AND enabled = ?", name, true).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// UpsertProvider inserts or updates a provider descriptor. Used by seeding.
func (s *Store) UpsertProvider(ctx context.Context, p *Provider) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(p).Error
}

// ListProviders returns all enabled provider descriptors, by name.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	var ps []Provider
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("name ASC").
		Find(&ps).Error
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// --- End users ---

// GetEndUser resolves the end user for (project, external id) without
// creating it.
func (s *Store) GetEndUser(ctx context.Context, projectID, externalID string) (*EndUser, error) {
	var user EndUser
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND external_id = ?", projectID, externalID).
		First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetEndUserByID loads an end user row by its internal id.
func (s *Store) GetEndUserByID(ctx context.Context, id string) (*EndUser, error) {
	var user EndUser
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetOrCreateEndUser resolves the end user for (project, external id),
// inserting the row on first connection attempt.
func (s *Store) GetOrCreateEndUser(ctx context.Context, projectID, externalID string) (*EndUser, error) {
	var user EndUser
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND external_id = ?", projectID, externalID).
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if notFound(err) != ErrNotFound {
		return nil, err
	}

	user = EndUser{ID: NewID(), ProjectID: projectID, ExternalID: externalID}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&user).Error
	if err != nil {
		return nil, err
	}

	// Re-read so a concurrent creator's row wins.
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND external_id = ?", projectID, externalID).
		First(&user).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// --- OAuth states ---

// CreateState persists an authorization-in-progress row.
func (s *Store) CreateState(ctx context.Context, state *OAuthState) error {
	if state.ID == "" {
		state.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(state).Error
}

// ConsumeState atomically marks a state row used, inside tx. The update is
// conditional on used_at being null and the row being unexpired; exactly one
// of N concurrent consumers for the same token succeeds. Returns ErrNotFound
// when the guard does not hit exactly one row.
func (s *Store) ConsumeState(ctx context.Context, tx *gorm.DB, stateToken string, now time.Time) (*OAuthState, error) {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).
		Model(&OAuthState{}).
		Where("state_token = ? AND used_at IS NULL AND expires_at > ?", stateToken, now).
		Update("used_at", now)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, ErrNotFound
	}

	var state OAuthState
	if err := tx.WithContext(ctx).Where("state_token = ?", stateToken).First(&state).Error; err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

// DeleteExpiredStates removes unused state rows whose expiry is older than
// cutoff. Consumed rows are retained for audit.
func (s *Store) DeleteExpiredStates(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("used_at IS NULL AND expires_at < ?", cutoff).
		Delete(&OAuthState{})
	return res.RowsAffected, res.Error
}

// --- Connections ---

// GetConnection loads a connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var conn Connection
	if err := s.db.WithContext(ctx).First(&conn, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

// GetConnectionForProject loads a connection and enforces project ownership.
// A connection belonging to another project is reported as not found, never
// as forbidden, so ids cannot be probed.
func (s *Store) GetConnectionForProject(ctx context.Context, projectID, id string) (*Connection, error) {
	var conn Connection
	err := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		First(&conn).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &conn, nil
}

// ConnectionFilter narrows ListConnections.
type ConnectionFilter struct {
	EndUserID string
	Provider  string
	Status    string
}

// ListConnections returns a project's connections, newest first.
func (s *Store) ListConnections(ctx context.Context, projectID string, filter ConnectionFilter) ([]Connection, error) {
	q := s.db.WithContext(ctx).Where("project_id = ?", projectID)
	if filter.EndUserID != "" {
		q = q.Where("end_user_id = ?", filter.EndUserID)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var conns []Connection
	if err := q.Order("created_at DESC").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// UpsertConnection inserts or refreshes the row keyed on
// (project, provider, end user) inside tx. Re-connection reuses the existing
// connection id.
func (s *Store) UpsertConnection(ctx context.Context, tx *gorm.DB, conn *Connection) (*Connection, error) {
	if tx == nil {
		tx = s.db
	}
	if conn.ID == "" {
		conn.ID = NewConnectionID()
	}

	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "project_id"}, {Name: "provider"}, {Name: "end_user_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_user_id", "provider_email",
			"access_token_encrypted", "refresh_token_encrypted",
			"token_type", "expires_at", "scopes",
			"status", "error_message", "updated_at",
		}),
	}).Create(conn).Error
	if err != nil {
		return nil, err
	}

	var out Connection
	err = tx.WithContext(ctx).
		Where("project_id = ? AND provider = ? AND end_user_id = ?",
			conn.ProjectID, conn.Provider, conn.EndUserID).
		First(&out).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// UpdateConnectionTokens writes refreshed credentials inside tx and restores
// active status.
func (s *Store) UpdateConnectionTokens(ctx context.Context, tx *gorm.DB, id string, accessEncrypted, refreshEncrypted string, expiresAt *time.Time) error {
	if tx == nil {
		tx = s.db
	}
	updates := map[string]any{
		"access_token_encrypted": accessEncrypted,
		"expires_at":             expiresAt,
		"status":                 ConnectionActive,
		"error_message":          "",
		"updated_at":             time.Now().UTC(),
	}
	if refreshEncrypted != "" {
		updates["refresh_token_encrypted"] = refreshEncrypted
	}
	return tx.WithContext(ctx).Model(&Connection{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateConnectionStatus moves a connection to a lifecycle status, recording
// the error message for the error state.
func (s *Store) UpdateConnectionStatus(ctx context.Context, tx *gorm.DB, id, status, errorMessage string) error {
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Model(&Connection{}).Where("id = ?", id).Updates(map[string]any{
		"status":        status,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// TouchConnectionLastUsed records connection usage.
func (s *Store) TouchConnectionLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Connection{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// --- Webhook subscriptions ---

// CreateSubscription inserts a webhook subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

// ListSubscriptions returns a project's subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context, projectID string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// DeleteSubscription removes a project's subscription by id.
func (s *Store) DeleteSubscription(ctx context.Context, projectID, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", id, projectID).
		Delete(&WebhookSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SubscriptionsForEvent returns the enabled subscriptions of a project whose
// subscribed set includes eventType.
func (s *Store) SubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND enabled = ?", projectID, true).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}

	// Event sets are small JSON lists; filter in process rather than asking
	// every engine for JSON containment.
	out := subs[:0]
	for _, sub := range subs {
		if sub.Events.Contains(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// RecordSubscriptionSuccess resets the failure counter after a 2xx.
func (s *Store) RecordSubscriptionSuccess(ctx context.Context, id string, statusCode int, at time.Time) error {
	return s.db.WithContext(ctx).Model(&WebhookSubscription{}).Where("id = ?", id).Updates(map[string]any{
		"last_triggered_at":    at,
		"last_status_code":     statusCode,
		"consecutive_failures": 0,
	}).Error
}

// RecordSubscriptionFailure bumps the failure counter and disables the
// subscription once it reaches disableAfter.
func (s *Store) RecordSubscriptionFailure(ctx context.Context, id string, statusCode int, at time.Time, disableAfter int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&WebhookSubscription{}).Where("id = ?", id).Updates(map[string]any{
			"last_triggered_at":    at,
			"last_status_code":     statusCode,
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		})
		if res.Error != nil {
			return res.Error
		}
		return tx.Model(&WebhookSubscription{}).
			Where("id = ? AND consecutive_failures >= ?", id, disableAfter).
			Update("enabled", false).Error
	})
}

// GetSubscription loads a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	if err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// --- Webhook deliveries ---

// CreateDelivery persists a delivery row before the first HTTP attempt.
func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(d).Error
}

// MarkDeliveryDelivered finalizes a delivery after a 2xx.
func (s *Store) MarkDeliveryDelivered(ctx context.Context, id string, statusCode int, at time.Time) error {
	return s.db.WithContext(ctx).Model(&WebhookDelivery{}).Where("id = ?", id).Updates(map[string]any{
		"status":           DeliveryDelivered,
		"last_status_code": statusCode,
		"delivered_at":     at,
	}).Error
}

// RecordDeliveryAttempt records a failed attempt; nextAttemptAt nil marks the
// delivery terminally failed.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, id string, statusCode int, nextAttemptAt *time.Time) error {
	updates := map[string]any{
		"attempts":         gorm.Expr("attempts + 1"),
		"last_status_code": statusCode,
		"next_attempt_at":  nextAttemptAt,
	}
	if nextAttemptAt == nil {
		updates["status"] = DeliveryFailed
	}
	return s.db.WithContext(ctx).Model(&WebhookDelivery{}).Where("id = ?", id).Updates(updates).Error
}

// ListDeliveries returns a subscription's deliveries, oldest first.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string) ([]WebhookDelivery, error) {
	var ds []WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC").
		Find(&ds).Error
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// DueDeliveries returns pending deliveries whose next attempt is due,
// oldest first. Used on startup to recover queued work lost to a restart.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]WebhookDelivery, error) {
	var ds []WebhookDelivery
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", DeliveryPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&ds).Error
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// --- API logs ---

// CreateAPILog appends a per-request record.
func (s *Store) CreateAPILog(ctx context.Context, log *APILog) error {
	if log.ID == "" {
		log.ID = NewID()
	}
	return s.db.WithContext(ctx).Create(log).Error
}

// ListAPILogs returns a project's request records, newest first.
func (s *Store) ListAPILogs(ctx context.Context, projectID string, limit int) ([]APILog, error) {
	var logs []APILog
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
