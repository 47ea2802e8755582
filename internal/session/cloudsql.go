package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// IPType selects the network path used to reach the Cloud SQL instance.
type IPType string

const (
	IPTypePublic  IPType = "PUBLIC"
	IPTypePrivate IPType = "PRIVATE"
	IPTypePSC     IPType = "PSC"
)

func ParseIPType(raw string) (IPType, error) {
	switch value := IPType(strings.ToUpper(strings.TrimSpace(raw))); value {
	case IPTypePublic, IPTypePrivate, IPTypePSC:
		return value, nil
	case "":
		return IPTypePrivate, nil
	default:
		return "", fmt.Errorf("unknown ip type %q: expected PUBLIC, PRIVATE or PSC", raw)
	}
}

func (t IPType) dialOption() cloudsqlconn.DialOption {
	switch t {
	case IPTypePublic:
		return cloudsqlconn.WithPublicIP()
	case IPTypePSC:
		return cloudsqlconn.WithPSC()
	default:
		return cloudsqlconn.WithPrivateIP()
	}
}

type CloudSQLConfig struct {
	// InstanceConnectionName is "project:region:instance".
	InstanceConnectionName string
	Database               string
	IAMUser                string
	IPType                 IPType
}

type dialer interface {
	Dial(ctx context.Context, icn string, opts ...cloudsqlconn.DialOption) (net.Conn, error)
	Close() error
}

// CloudSQL authenticates with the instance through IAM database
// authentication; no password is ever configured.
type CloudSQL struct {
	cfg    CloudSQLConfig
	dialer dialer
	logger *slog.Logger
}

// NewCloudSQL creates the IAM dialer. The dialer caches ephemeral certificates
// and should live for the whole process; sessions are still opened per job.
func NewCloudSQL(ctx context.Context, cfg CloudSQLConfig, logger *slog.Logger) (*CloudSQL, error) {
	if cfg.InstanceConnectionName == "" {
		return nil, fmt.Errorf("instance connection name is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.IAMUser == "" {
		return nil, fmt.Errorf("iam user is required")
	}

	d, err := cloudsqlconn.NewDialer(ctx,
		cloudsqlconn.WithIAMAuthN(),
		cloudsqlconn.WithDefaultDialOptions(cfg.IPType.dialOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("create cloud sql dialer: %w", err)
	}
	if logger != nil {
		logger.Info("initialized cloud sql connector",
			slog.String("instance", cfg.InstanceConnectionName),
			slog.String("database", cfg.Database),
			slog.String("iam_user", cfg.IAMUser),
			slog.String("ip_type", string(cfg.IPType)),
		)
	}
	return &CloudSQL{cfg: cfg, dialer: d, logger: logger}, nil
}

func (p *CloudSQL) Acquire(ctx context.Context) (Session, error) {
	connCfg, err := p.connConfig()
	if err != nil {
		return nil, err
	}
	session, err := Pin(ctx, stdlib.OpenDB(*connCfg))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", p.cfg.InstanceConnectionName, err)
	}
	return session, nil
}

func (p *CloudSQL) Close() error {
	return p.dialer.Close()
}

func (p *CloudSQL) connConfig() (*pgx.ConnConfig, error) {
	connCfg, err := pgx.ParseConfig("sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	connCfg.User = DatabaseUser(p.cfg.IAMUser)
	connCfg.Database = p.cfg.Database
	icn := p.cfg.InstanceConnectionName
	connCfg.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return p.dialer.Dial(ctx, icn)
	}
	return connCfg, nil
}

// DatabaseUser maps an IAM principal onto its Cloud SQL database user name:
// service accounts drop the ".gserviceaccount.com" suffix, users are unchanged.
func DatabaseUser(principal string) string {
	return strings.TrimSuffix(strings.TrimSpace(principal), ".gserviceaccount.com")
}
