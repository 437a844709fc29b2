package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/store"
)

// Credentials is the API key pair and profile identity used to open
// platform sessions.
type Credentials struct {
	Profile     string
	Environment string
	APIKey      string
	APISecret   string
}

// SessionManager keeps the platform session fresh. The session token is
// cached in the store's singleton user row and trusted for 90 minutes;
// past that, EnsureSession logs in again before the caller proceeds.
type SessionManager struct {
	mu     sync.Mutex
	client *Client
	store  *store.Store
	creds  Credentials
}

// NewSessionManager returns a manager over the given client and store.
func NewSessionManager(client *Client, st *store.Store, creds Credentials) *SessionManager {
	return &SessionManager{client: client, store: st, creds: creds}
}

// Client returns the managed platform client.
func (m *SessionManager) Client() *Client {
	return m.client
}

// EnsureSession makes sure the client carries a valid session token,
// reusing the cached row when fresh and logging in again otherwise.
func (m *SessionManager) EnsureSession() (*store.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, err := m.store.GetUser()
	if err != nil {
		return nil, err
	}
	if user != nil && user.Profile == m.creds.Profile && user.TokenValid(time.Now().UTC()) {
		m.client.SetToken(user.SessionToken)
		return user, nil
	}
	return m.login()
}

// Refresh discards the cached token and logs in again. Used after the
// platform or object storage rejects a request with 401.
func (m *SessionManager) Refresh() (*store.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.login()
}

func (m *SessionManager) login() (*store.UserRecord, error) {
	session, err := m.client.Login(m.creds.APIKey, m.creds.APISecret)
	if err != nil {
		return nil, fmt.Errorf("platform login failed: %w", err)
	}

	user, err := m.client.GetUser()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}

	rec := store.UserRecord{
		ID:             user.ID,
		Name:           user.DisplayName(),
		SessionToken:   session.SessionToken,
		Profile:        m.creds.Profile,
		Environment:    m.creds.Environment,
		OrganizationID: session.Organization,
	}
	if org, err := m.client.GetOrganization(session.Organization); err == nil {
		rec.OrganizationName = org.Name
		rec.EncryptionKeyID = org.EncryptionKeyID
	} else {
		logger.Warn("failed to resolve organization", logger.Err(err))
	}

	if err := m.store.UpsertUser(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
