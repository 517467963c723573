// Package account is the credential store: it owns identity records,
// their encrypted credentials, and the refresh policy that keeps access
// tokens valid. Generalized from a single Claude-OAuth account shape to
// the three auth methods these identities use (device, social, idc) and
// renamed Account -> Identity throughout.
package account

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nero-labs/kiro-relay/internal/store"
)

const credentialSalt = "identity-credentials"

// AuthMethod distinguishes how an identity's credentials were originally
// minted. Only the refresh leg of each method is implemented here — the
// authorization flow that first acquires credentials is out of scope.
type AuthMethod string

const (
	AuthDevice AuthMethod = "device"
	AuthSocial AuthMethod = "social"
	AuthIDC    AuthMethod = "idc"
)

// Identity is one pool member: a set of upstream credentials plus the
// scheduling and cooldown metadata the rest of the core reads.
type Identity struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	AuthMethod    AuthMethod `json:"authMethod"`
	Status        string     `json:"status"` // active, unhealthy, disabled
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	Schedulable   bool       `json:"schedulable"`
	Priority      int        `json:"priority"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     int64      `json:"expiresAt"` // unix millis

	Proxy *ProxyConfig `json:"proxy,omitempty"`

	FiveHourStatus      string     `json:"fiveHourStatus,omitempty"`
	SessionWindowStart  *time.Time `json:"sessionWindowStart,omitempty"`
	SessionWindowEnd    *time.Time `json:"sessionWindowEnd,omitempty"`
	FiveHourAutoStopped bool       `json:"fiveHourAutoStopped,omitempty"`
	OpusRateLimitEndAt  *time.Time `json:"opusRateLimitEndAt,omitempty"`
	OverloadedUntil     *time.Time `json:"overloadedUntil,omitempty"`

	RequestCount int64 `json:"requestCount"`
	ErrorCount   int64 `json:"errorCount"`

	// ExtInfo carries the auth-method-specific extras a refresh call
	// needs: client_id/secret for idc, region/profile_arn for idc SSO,
	// provider for social.
	ExtInfo map[string]interface{} `json:"extInfo,omitempty"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // socks5, http, https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Store manages identities and their encrypted credentials.
type Store struct {
	store  store.Store
	crypto *Crypto
}

func NewStore(s store.Store, c *Crypto) *Store {
	return &Store{store: s, crypto: c}
}

// Register adds a pool identity whose credentials were minted out of band
// (per §1, this core never runs the authorization flow itself).
func (as *Store) Register(ctx context.Context, id, name string, method AuthMethod, refreshToken string, priority int, ext map[string]interface{}) (*Identity, error) {
	if id == "" {
		id = uuid.New().String()
	}
	encRefresh, err := as.crypto.Encrypt(refreshToken, credentialSalt)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fields := map[string]string{
		"id":            id,
		"name":          name,
		"refreshToken":  encRefresh,
		"status":        "active",
		"schedulable":   "true",
		"priority":      strconv.Itoa(priority),
		"createdAt":     now.Format(time.RFC3339),
		"lastUsedAt":    "",
		"lastRefreshAt": "",
		"expiresAt":     "0",
		"errorMessage":  "",
	}
	if len(ext) > 0 {
		ext["authMethod"] = string(method)
		extJSON, _ := json.Marshal(ext)
		fields["extInfo"] = string(extJSON)
	} else {
		extJSON, _ := json.Marshal(map[string]interface{}{"authMethod": string(method)})
		fields["extInfo"] = string(extJSON)
	}

	if err := as.store.SetIdentity(ctx, id, fields); err != nil {
		return nil, err
	}
	return as.Get(ctx, id)
}

// Get returns an identity by ID.
func (as *Store) Get(ctx context.Context, id string) (*Identity, error) {
	data, err := as.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return as.fromMap(data), nil
}

// List returns all identities.
func (as *Store) List(ctx context.Context) ([]*Identity, error) {
	ids, err := as.store.ListIdentityIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Identity, 0, len(ids))
	for _, id := range ids {
		data, err := as.store.GetIdentity(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, as.fromMap(data))
	}
	return out, nil
}

func (as *Store) Delete(ctx context.Context, id string) error {
	return as.store.DeleteIdentity(ctx, id)
}

func (as *Store) Update(ctx context.Context, id string, fields map[string]string) error {
	return as.store.SetIdentityFields(ctx, id, fields)
}

// GetDecryptedRefreshToken returns the decrypted refresh token.
func (as *Store) GetDecryptedRefreshToken(ctx context.Context, id string) (string, error) {
	data, err := as.store.GetIdentity(ctx, id)
	if err != nil {
		return "", err
	}
	enc, ok := data["refreshToken"]
	if !ok || enc == "" {
		return "", nil
	}
	return as.crypto.Decrypt(enc, credentialSalt)
}

// GetDecryptedAccessToken returns the decrypted access token.
func (as *Store) GetDecryptedAccessToken(ctx context.Context, id string) (string, error) {
	data, err := as.store.GetIdentity(ctx, id)
	if err != nil {
		return "", err
	}
	enc, ok := data["accessToken"]
	if !ok || enc == "" {
		return "", nil
	}
	return as.crypto.Decrypt(enc, credentialSalt)
}

// StoreTokens encrypts and stores new tokens after a successful refresh,
// clearing cooldown markers so the scheduler reconsiders this identity
// immediately.
func (as *Store) StoreTokens(ctx context.Context, id, accessToken, refreshToken string, expiresIn int) error {
	encAccess, err := as.crypto.Encrypt(accessToken, credentialSalt)
	if err != nil {
		return err
	}
	encRefresh, err := as.crypto.Encrypt(refreshToken, credentialSalt)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(expiresIn) * time.Second).UnixMilli()

	return as.store.SetIdentityFields(ctx, id, map[string]string{
		"accessToken":     encAccess,
		"refreshToken":    encRefresh,
		"expiresAt":       strconv.FormatInt(expiresAt, 10),
		"lastRefreshAt":   now.Format(time.RFC3339),
		"status":          "active",
		"errorMessage":    "",
		"overloadedAt":    "",
		"overloadedUntil": "",
	})
}

func (as *Store) fromMap(m map[string]string) *Identity {
	a := &Identity{
		ID:                  m["id"],
		Name:                m["name"],
		Status:              m["status"],
		ErrorMessage:        m["errorMessage"],
		Schedulable:         m["schedulable"] == "true",
		Priority:            atoi(m["priority"], 50),
		ExpiresAt:           atoi64(m["expiresAt"], 0),
		FiveHourStatus:      m["fiveHourStatus"],
		FiveHourAutoStopped: m["fiveHourAutoStopped"] == "true",
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		a.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["lastRefreshAt"]); err == nil {
		a.LastRefreshAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["sessionWindowStart"]); err == nil {
		a.SessionWindowStart = &t
	}
	if t, err := time.Parse(time.RFC3339, m["sessionWindowEnd"]); err == nil {
		a.SessionWindowEnd = &t
	}
	if t, err := time.Parse(time.RFC3339, m["opusRateLimitEndAt"]); err == nil {
		a.OpusRateLimitEndAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["overloadedUntil"]); err == nil {
		a.OverloadedUntil = &t
	}

	if proxyStr := m["proxy"]; proxyStr != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}

	if extStr := m["extInfo"]; extStr != "" {
		var ext map[string]interface{}
		if json.Unmarshal([]byte(extStr), &ext) == nil {
			a.ExtInfo = ext
			if am, ok := ext["authMethod"].(string); ok {
				a.AuthMethod = AuthMethod(am)
			}
		}
	}

	return a
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atoi64(s string, def int64) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}
