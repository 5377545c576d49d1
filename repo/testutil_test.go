package repo

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ceyewan/pulse/model"
)

var (
	testDB      db.DB
	testDBOnce  sync.Once
	testDBErr   error
	testPGConn  connector.PostgreSQLConnector
	pgContainer testcontainers.Container
)

func startPostgres(ctx context.Context) (string, int, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "pulse_test",
			"POSTGRES_USER":     "pulse",
			"POSTGRES_PASSWORD": "pulse123",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("启动 PostgreSQL Testcontainer 失败: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("获取 PostgreSQL 容器 host 失败: %w", err)
	}
	mapped, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", 0, fmt.Errorf("获取 PostgreSQL 映射端口失败: %w", err)
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		return "", 0, fmt.Errorf("解析 PostgreSQL 端口失败: %w", err)
	}
	return host, port, nil
}

func connectWithRetry(fn func() error, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return lastErr
}

func initTestDB() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	host, port, err := func() (h string, p int, err error) {
		// testcontainers 在找不到 Docker 时可能 panic
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("启动 PostgreSQL Testcontainer panic: %v", r)
			}
		}()
		return startPostgres(ctx)
	}()
	if err != nil {
		return err
	}

	logger := clog.Discard()
	testPGConn, err = connector.NewPostgreSQL(&connector.PostgreSQLConfig{
		Name:            "test-postgres",
		Host:            host,
		Port:            port,
		Username:        "pulse",
		Password:        "pulse123",
		Database:        "pulse_test",
		SSLMode:         "disable",
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnectTimeout:  5 * time.Second,
		Timezone:        "UTC",
	}, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("创建 PostgreSQL 连接器失败: %w", err)
	}
	if err := connectWithRetry(func() error {
		return testPGConn.Connect(context.Background())
	}, 20, 500*time.Millisecond); err != nil {
		return fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}

	testDB, err = db.New(&db.Config{Driver: "postgresql"},
		db.WithPostgreSQLConnector(testPGConn), db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("创建 DB 组件失败: %w", err)
	}
	if err := testDB.DB(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}

// setupTestDB 返回共享的测试库并清空数据，没有 Docker 时跳过
func setupTestDB(t *testing.T) db.DB {
	t.Helper()
	testDBOnce.Do(func() { testDBErr = initTestDB() })
	if testDBErr != nil {
		msg := testDBErr.Error()
		if strings.Contains(msg, "docker") || strings.Contains(msg, "Docker") || strings.Contains(msg, "panic") {
			t.Skipf("跳过测试：%v", testDBErr)
		}
		t.Fatalf("数据库连接初始化失败: %v", testDBErr)
	}

	gormDB := testDB.DB(context.Background())
	for _, table := range []string{"t_delivery_status", "t_call_history", "t_message_content", "t_session_member"} {
		if err := gormDB.Exec(fmt.Sprintf("TRUNCATE TABLE %s", table)).Error; err != nil {
			t.Logf("警告：清理表 %s 失败: %v", table, err)
		}
	}
	return testDB
}

func TestMain(m *testing.M) {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if testDB != nil {
		_ = testDB.Close()
	}
	if testPGConn != nil {
		_ = testPGConn.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(code)
}
