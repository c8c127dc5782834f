package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
)

type Mysql struct {
	DSN          string
	DB           *sql.DB
	Name         string
	RegisterTime time.Time
}

var mysqlInstances sync.Map

func GetMysql(name string) (*Mysql, error) {
	value, ok := mysqlInstances.Load(name)
	if !ok {
		return nil, fmt.Errorf("Mysql not found, name:%s", name)
	}

	mysqlInstance, ok := value.(*Mysql)
	if !ok {
		return nil, fmt.Errorf("Mysql not found, name:%s", name)
	}

	return mysqlInstance, nil
}

// Init parses the DSN and opens the pool. DATETIME columns are scanned as time.Time.
func (m *Mysql) Init() error {
	cfg, err := gomysql.ParseDSN(m.DSN)
	if err != nil {
		return err
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	connector, err := gomysql.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(60 * time.Minute)
	db.SetMaxIdleConns(50)
	db.SetMaxOpenConns(100)

	m.DB = db
	return nil
}

func (m *Mysql) Ping(ctx context.Context) error {
	return m.DB.PingContext(ctx)
}

func RegisterMysql(name, dsn string) (*Mysql, error) {
	if value, ok := mysqlInstances.Load(name); ok {
		if mysqlInstance, ok2 := value.(*Mysql); ok2 && mysqlInstance.DSN == dsn {
			return mysqlInstance, nil
		}
		RemoveMysql(name)
	}
	m := &Mysql{
		DSN:          dsn,
		Name:         name,
		RegisterTime: time.Now(),
	}
	if err := m.Init(); err != nil {
		return nil, fmt.Errorf("event=RegisterMysql\tname=%s\terr=%w", name, err)
	}
	mysqlInstances.Store(name, m)
	return m, nil
}

func RemoveMysql(name string) {
	value, ok := mysqlInstances.LoadAndDelete(name)
	if !ok {
		return
	}
	if m, ok := value.(*Mysql); ok && m.DB != nil {
		m.DB.Close()
	}
}
