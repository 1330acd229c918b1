package database

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"shopassist/config"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BuildDSN assembles the MySQL DSN from cfg, honouring an explicit DB_DSN.
func BuildDSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	params := cfg.Params
	if !strings.Contains(params, "tls=") {
		if cfg.TLS == "true" || cfg.TLS == "preferred" {
			if cfg.TLSVerify {
				params += "&tls=custom"
			} else {
				params += "&tls=true"
			}
		}
	}
	for _, p := range []string{"timeout", "readTimeout", "writeTimeout"} {
		if !strings.Contains(params, p+"=") {
			params += "&" + p + "=10s"
		}
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, params)
}

// Connect opens the archive database with pooling, optional TLS and retry.
func Connect(cfg config.DatabaseConfig, env string, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := BuildDSN(cfg)

	safeDSN := dsn
	if cfg.Password != "" {
		safeDSN = strings.Replace(safeDSN, cfg.Password, "******", 1)
	}
	log.Info("database connecting", "dsn", safeDSN)

	if strings.Contains(dsn, "tls=custom") {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if err := mysqldriver.RegisterTLSConfig("custom", tlsCfg); err != nil {
			return nil, fmt.Errorf("register DB TLS config: %w", err)
		}
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if strings.ToLower(env) == "development" {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	var db *gorm.DB
	var err error
	backoff := time.Second
	for attempt := 0; attempt < retries; attempt++ {
		db, err = gorm.Open(gormmysql.Open(dsn), &gorm.Config{Logger: gormLogger})
		if err == nil {
			break
		}
		log.Warn("database connect failed", "attempt", attempt+1, "error", err)
		if attempt < retries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.PingOnConnect {
		if err := pingWithTimeout(sqlDB, 5*time.Second); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
	}
	return db, nil
}

func loadTLSConfig(cfg config.DatabaseConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLSCAPath != "" {
		caCert, err := os.ReadFile(cfg.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed reading DB TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA certs")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.TLSClientCert != "" && cfg.TLSClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func pingWithTimeout(db *sql.DB, timeout time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		ch <- db.Ping()
	}()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("ping timeout after %s", timeout)
	}
}
