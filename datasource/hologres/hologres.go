package hologres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

// StatementTimeout is applied to every connection opened by the hologres driver.
var StatementTimeout = 30 * time.Second

func init() {
	sql.Register("hologres", &HologresDriver{})
}

type HologresDriver struct {
	driver pq.Driver
}

func (d HologresDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.driver.Open(name)
	if err != nil {
		return nil, err
	}

	if stmt, err := conn.Prepare(fmt.Sprintf("set statement_timeout = %d", StatementTimeout.Milliseconds())); err == nil {
		stmt.Exec(nil)
		stmt.Close()
	}
	return conn, err
}

// Hologres is a named postgres compatible connection pool. Driver is
// "hologres" or "postgres".
type Hologres struct {
	DSN          string
	Driver       string
	DB           *sql.DB
	Name         string
	RegisterTime time.Time
}

var hologresInstances sync.Map

func GetHologres(name string) (*Hologres, error) {
	value, ok := hologresInstances.Load(name)
	if !ok {
		return nil, fmt.Errorf("Hologres not found, name:%s", name)
	}

	hologresInstance, ok := value.(*Hologres)
	if !ok {
		return nil, fmt.Errorf("Hologres not found, name:%s", name)
	}

	return hologresInstance, nil
}

// Init opens the pool. Connections are established lazily; use Ping to probe.
func (m *Hologres) Init() error {
	db, err := sql.Open(m.Driver, m.DSN)
	if err != nil {
		return err
	}

	db.SetConnMaxLifetime(60 * time.Minute)
	db.SetMaxIdleConns(50)
	db.SetMaxOpenConns(100)

	m.DB = db
	return nil
}

func (m *Hologres) Ping(ctx context.Context) error {
	return m.DB.PingContext(ctx)
}

// RegisterHologres opens a pool under name. A pool already registered under
// the same name with the same DSN is reused.
func RegisterHologres(name, driverName, dsn string) (*Hologres, error) {
	if driverName == "" {
		driverName = "hologres"
	}
	if value, ok := hologresInstances.Load(name); ok {
		if hologresInstance, ok2 := value.(*Hologres); ok2 && hologresInstance.DSN == dsn && hologresInstance.Driver == driverName {
			return hologresInstance, nil
		}
		RemoveHologres(name)
	}
	m := &Hologres{
		DSN:          dsn,
		Driver:       driverName,
		Name:         name,
		RegisterTime: time.Now(),
	}
	if err := m.Init(); err != nil {
		return nil, fmt.Errorf("event=RegisterHologres\tname=%s\terr=%w", name, err)
	}
	hologresInstances.Store(name, m)
	return m, nil
}

func RemoveHologres(name string) {
	value, ok := hologresInstances.LoadAndDelete(name)
	if !ok {
		return
	}
	hologres, ok := value.(*Hologres)
	if !ok {
		return
	}

	if hologres.DB != nil {
		hologres.DB.Close()
	}
}
