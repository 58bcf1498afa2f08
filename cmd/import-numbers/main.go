package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/logger"
	"disposms/backend/internal/service"
	"disposms/backend/internal/storage/postgres"
)

// import-numbers 从 JSON 文件批量导入号码到数据库号码池
//
// 文件格式与 POST /v1/admin/numbers/import 的请求体相同。
func main() {
	file := flag.String("file", "", "号码清单 JSON 文件，- 表示标准输入")
	timeout := flag.Duration("timeout", time.Minute, "导入超时")
	flag.Parse()

	if *file == "" {
		fmt.Println("Usage: import-numbers -file=numbers.json")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.DSN == "" {
		fmt.Println("DISPOSMS_DATABASE_DSN is required; the memory store does not outlive this process")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	numbers, err := readNumbers(*file)
	if err != nil {
		log.Fatal("failed to read number list", zap.Error(err))
	}

	store, err := postgres.Open(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	pool := service.NewNumberPoolService(store, cfg.Pool, domain.NopPublisher{}, log)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := pool.Import(ctx, numbers)
	if err != nil {
		log.Fatal("import failed", zap.Error(err))
	}

	fmt.Printf("✓ Imported %d numbers\n", len(result.Imported))
	for _, failure := range result.Failed {
		fmt.Printf("  ✗ %s: %s\n", failure.Number, failure.Reason)
	}
	if len(result.Failed) > 0 {
		os.Exit(2)
	}
}

type importFile struct {
	Numbers []service.ImportNumber `json:"numbers"`
}

// readNumbers 读取号码清单，兼容包装对象与裸数组两种格式
func readNumbers(path string) ([]service.ImportNumber, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return decodeNumbers(r)
}

func decodeNumbers(r io.Reader) ([]service.ImportNumber, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var wrapped importFile
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Numbers) > 0 {
		return wrapped.Numbers, nil
	}

	var list []service.ImportNumber
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode number list: %w", err)
	}
	return list, nil
}
