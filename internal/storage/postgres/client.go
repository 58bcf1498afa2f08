package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"disposms/backend/internal/config"
)

// Client 封装 PostgreSQL 原生连接池，用于就绪检查与连接池指标
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewClient 创建新的 PostgreSQL 客户端
func NewClient(cfg *config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// 仅用于探活，连接数保持很小
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL probe pool", zap.Int32("max_conns", poolConfig.MaxConns))

	return &Client{
		pool: pool,
		log:  log,
	}, nil
}

// Close 关闭数据库连接池
func (c *Client) Close() {
	c.pool.Close()
	c.log.Info("PostgreSQL probe pool closed")
}

// Ping 测试数据库连接
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// CheckReady 在超时内执行一次查询，供就绪检查使用
func (c *Client) CheckReady() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var one int
	if err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres not ready: %w", err)
	}
	return nil
}

// AcquiredConns 返回当前借出的连接数
func (c *Client) AcquiredConns() int32 {
	return c.pool.Stat().AcquiredConns()
}
