package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Connection lifecycle statuses.
const (
	ConnectionPending = "pending"
	ConnectionActive  = "active"
	ConnectionExpired = "expired"
	ConnectionRevoked = "revoked"
	ConnectionError   = "error"
)

// API-key statuses.
const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// Webhook delivery statuses.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// StringList stores a string slice as a JSON column, portable across
// postgres and sqlite.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// JSONMap stores a string-keyed map as a JSON column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
}

// Project is a tenant. Rows are created and destroyed by the dashboard; the
// broker only reads them.
type Project struct {
	ID          string  `gorm:"primaryKey;size:64"`
	OwnerID     string  `gorm:"size:64;index"`
	Environment string  `gorm:"size:8"` // test or live
	Settings    JSONMap `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKey authenticates a project. The secret is stored encrypted so the
// verifier can recompute request signatures.
type APIKey struct {
	ID              string `gorm:"primaryKey;size:64"`
	ProjectID       string `gorm:"size:64;index;not null"`
	PublicKey       string `gorm:"size:64;uniqueIndex;not null"`
	SecretEncrypted string `gorm:"size:512;not null"`
	Environment     string `gorm:"size:8"`
	Status          string `gorm:"size:16;default:active"`
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Provider is the stored descriptor for a third-party service: endpoints,
// client credentials and the permitted scope sets. Inserted by seeding.
type Provider struct {
	Name                  string     `gorm:"primaryKey;size:32"`
	DisplayName           string     `gorm:"size:64"`
	Category              string     `gorm:"size:32"`
	AuthorizationURL      string     `gorm:"size:512"`
	TokenURL              string     `gorm:"size:512"`
	ClientID              string     `gorm:"size:256"`
	ClientSecretEncrypted string     `gorm:"size:512"`
	Scopes                StringList `gorm:"type:text"` // permitted
	DefaultScopes         StringList `gorm:"type:text"`
	// No column default: a default:true tag would silently turn an explicit
	// false back into true on insert, since false is the zero value.
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EndUser is an identity owned by a project, keyed by the project-supplied
// external id.
type EndUser struct {
	ID          string `gorm:"primaryKey;size:64"`
	ProjectID   string `gorm:"size:64;not null;uniqueIndex:idx_end_users_project_external"`
	ExternalID  string `gorm:"size:256;not null;uniqueIndex:idx_end_users_project_external"`
	Email       string `gorm:"size:256"`
	DisplayName string `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OAuthState is a single-use, short-lived authorization-in-progress record.
// Consumption is guarded by a conditional update on used_at.
type OAuthState struct {
	ID           string     `gorm:"primaryKey;size:64"`
	StateToken   string     `gorm:"size:128;uniqueIndex;not null"`
	ProjectID    string     `gorm:"size:64;index;not null"`
	Provider     string     `gorm:"size:32;not null"`
	EndUserID    string     `gorm:"size:64;not null"`
	RedirectURI  string     `gorm:"size:1024;not null"`
	Scopes       StringList `gorm:"type:text"`
	CodeVerifier string     `gorm:"size:256;not null"`
	ExpiresAt    time.Time  `gorm:"index;not null"`
	UsedAt       *time.Time
	CreatedAt    time.Time
}

// Connection is the long-lived credential record for one end user at one
// provider. Unique on (project, provider, end user); re-connection upserts
// into the same row.
type Connection struct {
	ID                    string `gorm:"primaryKey;size:64"`
	ProjectID             string `gorm:"size:64;not null;uniqueIndex:idx_connections_project_provider_user"`
	Provider              string `gorm:"size:32;not null;uniqueIndex:idx_connections_project_provider_user"`
	EndUserID             string `gorm:"size:64;not null;uniqueIndex:idx_connections_project_provider_user"`
	ProviderUserID        string `gorm:"size:256"`
	ProviderEmail         string `gorm:"size:256"`
	AccessTokenEncrypted  string `gorm:"type:text"`
	RefreshTokenEncrypted string `gorm:"type:text"`
	TokenType             string `gorm:"size:32"`
	ExpiresAt             *time.Time
	Scopes                StringList `gorm:"type:text"`
	Status                string     `gorm:"size:16;index;default:pending"`
	ErrorMessage          string     `gorm:"size:1024"`
	LastUsedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WebhookSubscription is a project's event delivery endpoint.
type WebhookSubscription struct {
	ID                  string     `gorm:"primaryKey;size:64"`
	ProjectID           string     `gorm:"size:64;index;not null"`
	URL                 string     `gorm:"size:1024;not null"`
	SecretEncrypted     string     `gorm:"size:512;not null"`
	Events              StringList `gorm:"type:text"`
	Enabled             bool
	LastTriggeredAt     *time.Time
	LastStatusCode      int
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WebhookDelivery is the persistent backing row for one queued emission to
// one subscription. Written before the first HTTP attempt.
type WebhookDelivery struct {
	ID             string `gorm:"primaryKey;size:64"` // also the event id in the envelope
	SubscriptionID string `gorm:"size:64;index;not null"`
	EventType      string `gorm:"size:64;not null"`
	Payload        []byte `gorm:"type:text"`
	Status         string `gorm:"size:16;index;default:pending"`
	Attempts       int
	LastStatusCode int
	NextAttemptAt  *time.Time `gorm:"index"`
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APILog is the append-only per-request record.
type APILog struct {
	ID           string `gorm:"primaryKey;size:64"`
	ProjectID    string `gorm:"size:64;index"`
	Provider     string `gorm:"size:32"`
	ConnectionID string `gorm:"size:64;index"`
	Endpoint     string `gorm:"size:256"`
	Method       string `gorm:"size:8"`
	StatusCode   int
	LatencyMS    int64
	CreatedAt    time.Time `gorm:"index"`
}

// allModels drives AutoMigrate.
func allModels() []any {
	return []any{
		&Project{},
		&APIKey{},
		&Provider{},
		&EndUser{},
		&OAuthState{},
		&Connection{},
		&WebhookSubscription{},
		&WebhookDelivery{},
		&APILog{},
	}
}
