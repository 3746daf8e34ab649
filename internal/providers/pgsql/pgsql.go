// Package pgsql is the customized-auth example provider: it validates and
// stores PostgreSQL connection credentials so downstream tooling can read a
// user's external database. It declares a connect_info schema, probes the
// connection at link time, and neither pulls nor formats data. Ported from
// ThetaPgsqlProvider in theta/mirobody_pgsql/provider_pgsql.py.
package pgsql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/provider"
	"github.com/thetahealth/mirobody-sub002/internal/vault"
)

// Slug identifies this provider across the theta platform.
const Slug = "theta_pgsql"

const connectTimeout = 15 * time.Second

// connectInfo is the decoded shape of the bundle's connect_info blob.
type connectInfo struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
}

// probeFn validates one connection; overridable in tests so no live
// Postgres is needed.
type probeFn func(ctx context.Context, info connectInfo) error

// Provider is the PostgreSQL connection-configuration adapter.
type Provider struct {
	vault *vault.Vault
	probe probeFn
}

// New builds the provider. It is gated behind PULSE_ENABLE_PGSQL_DEVICE so
// deployments without the external-database feature don't advertise it.
func New(cfg provider.Config, v *vault.Vault) (*Provider, bool) {
	if !cfg.Bool("PULSE_ENABLE_PGSQL_DEVICE") {
		return nil, false
	}
	return &Provider{vault: v, probe: probeConnection}, true
}

func (p *Provider) Info() provider.Info {
	return provider.Info{
		Slug:        Slug,
		DisplayName: "PostgreSQL",
		Logo:        "https://static.thetahealth.ai/res/elephant.png",
		Supported:   true,
		AuthKind:    vault.AuthCustomized,
		ConnectInfoSchema: []provider.ConnectInfoField{
			{Name: "username", Type: "string", Required: true, Label: "Username", Placeholder: "Enter your database username"},
			{Name: "password", Type: "password", Required: true, Label: "Password", Placeholder: "Enter your database password"},
			{Name: "host", Type: "string", Required: true, Label: "Host", Placeholder: "e.g., pg, localhost, or db.example.com", Default: "pg"},
			{Name: "port", Type: "number", Required: true, Label: "Port", Placeholder: "Default PostgreSQL port", Default: "5432"},
			{Name: "database", Type: "string", Required: true, Label: "Database", Placeholder: "Enter your database name"},
		},
	}
}

// RegisterPullTask declines scheduled pulls: the provider only validates and
// stores connection configuration.
func (p *Provider) RegisterPullTask() bool { return false }

// Link validates the supplied connect_info by probing the database, then
// stores the bundle.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	var info connectInfo
	if err := json.Unmarshal(req.Credentials.ConnectInfo, &info); err != nil {
		return provider.LinkResult{}, fmt.Errorf("pgsql: decode connect_info: %w", err)
	}
	if info.Username == "" || info.Password == "" {
		return provider.LinkResult{}, errors.New("pgsql: username and password are required")
	}
	if info.Host == "" || info.Port == 0 || info.Database == "" {
		return provider.LinkResult{}, errors.New("pgsql: host, port, and database are required")
	}

	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := p.probe(probeCtx, info); err != nil {
		return provider.LinkResult{}, err
	}

	if err := p.vault.SaveLink(ctx, req.UserID, Slug, vault.AuthCustomized, req.Credentials); err != nil {
		return provider.LinkResult{}, fmt.Errorf("pgsql: save link: %w", err)
	}
	log.Info().Str("user_id", req.UserID).Str("host", info.Host).Msg("pgsql: linked")
	return provider.LinkResult{}, nil
}

// probeConnection opens a short-lived pgx connection and runs SELECT
// version() to prove the credentials work.
func probeConnection(ctx context.Context, info connectInfo) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		info.Username, info.Password, info.Host, info.Port, info.Database)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("pgsql: connection timeout after %s", connectTimeout)
		case strings.Contains(msg, "password") || strings.Contains(msg, "authentication"):
			return errors.New("pgsql: invalid username or password")
		case strings.Contains(msg, "does not exist"):
			return fmt.Errorf("pgsql: database %q does not exist", info.Database)
		default:
			return fmt.Errorf("pgsql: cannot connect to %s:%d: %w", info.Host, info.Port, err)
		}
	}
	defer conn.Close(ctx)

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("pgsql: probe query: %w", err)
	}
	log.Info().Str("host", info.Host).Str("version", truncate(version, 80)).Msg("pgsql: connection validated")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (p *Provider) Callback(ctx context.Context, params provider.CallbackParams) (provider.CallbackResult, error) {
	return provider.CallbackResult{}, errors.New("pgsql: no oauth callback flow")
}

func (p *Provider) Unlink(ctx context.Context, userID string) error {
	return p.vault.DeleteLink(ctx, userID, Slug)
}

func (p *Provider) FormatData(ctx context.Context, raw provider.RawPayload) ([]provider.FormatResult, error) {
	return nil, nil
}

func (p *Provider) SaveRawData(ctx context.Context, raw provider.RawPayload) (provider.RawPayload, error) {
	return raw, nil
}

func (p *Provider) IsAlreadyProcessed(ctx context.Context, raw provider.RawPayload) (bool, error) {
	return false, nil
}

func (p *Provider) PullFromVendor(ctx context.Context, cred vault.UserCredential, window *provider.TimeWindow) ([]provider.RawPayload, error) {
	return nil, nil
}
