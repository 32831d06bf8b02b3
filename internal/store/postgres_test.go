package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
)

// roleDB scripts the queries GetOrCreateRole issues, standing in for the
// user_roles table and its unique constraints. swallowInserts makes the next
// N inserts land on a conflict (ON CONFLICT DO NOTHING returns no row);
// onSwallow mutates the table the way the winning writer would have.
type roleDB struct {
	roles      map[string]string
	adminTaken bool

	swallowInserts int
	onSwallow      func(*roleDB)
}

func (c *roleDB) Connect(context.Context) (driver.Conn, error) { return c, nil }
func (c *roleDB) Driver() driver.Driver                        { return nopDriver{} }

func (c *roleDB) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare unsupported")
}
func (c *roleDB) Close() error              { return nil }
func (c *roleDB) Begin() (driver.Tx, error) { return nil, errors.New("tx unsupported") }

func (c *roleDB) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	switch {
	case strings.Contains(query, "SELECT role FROM user_roles"):
		userID := args[0].Value.(string)
		if role, ok := c.roles[userID]; ok {
			return &valueRows{cols: []string{"role"}, vals: [][]driver.Value{{role}}}, nil
		}
		return &valueRows{cols: []string{"role"}}, nil

	case strings.Contains(query, "role='ADMIN'"):
		return &valueRows{cols: []string{"exists"}, vals: [][]driver.Value{{c.adminTaken}}}, nil

	case strings.Contains(query, "INSERT INTO user_roles"):
		userID := args[0].Value.(string)
		role := args[1].Value.(string)
		if c.swallowInserts > 0 {
			c.swallowInserts--
			if c.onSwallow != nil {
				c.onSwallow(c)
			}
			return &valueRows{cols: []string{"role"}}, nil
		}
		if role == "ADMIN" && c.adminTaken {
			return &valueRows{cols: []string{"role"}}, nil
		}
		if _, taken := c.roles[userID]; taken {
			return &valueRows{cols: []string{"role"}}, nil
		}
		c.roles[userID] = role
		if role == "ADMIN" {
			c.adminTaken = true
		}
		return &valueRows{cols: []string{"role"}, vals: [][]driver.Value{{role}}}, nil
	}
	return nil, errors.New("unexpected query: " + query)
}

type nopDriver struct{}

func (nopDriver) Open(string) (driver.Conn, error) { return nil, errors.New("use OpenDB") }

type valueRows struct {
	cols []string
	vals [][]driver.Value
	next int
}

func (r *valueRows) Columns() []string { return r.cols }
func (r *valueRows) Close() error      { return nil }
func (r *valueRows) Next(dest []driver.Value) error {
	if r.next >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.next])
	r.next++
	return nil
}

func newRoleStore(db *roleDB) *PostgresStore {
	if db.roles == nil {
		db.roles = map[string]string{}
	}
	return NewPostgresStore(sql.OpenDB(db))
}

func TestGetOrCreateRoleBootstrapsFirstIdentityAsAdmin(t *testing.T) {
	db := &roleDB{}
	s := newRoleStore(db)
	ctx := context.Background()

	role, err := s.GetOrCreateRole(ctx, "u_first")
	if err != nil {
		t.Fatalf("GetOrCreateRole(u_first) error = %v", err)
	}
	if role != "ADMIN" {
		t.Fatalf("first identity role = %s, want ADMIN", role)
	}

	role, err = s.GetOrCreateRole(ctx, "u_second")
	if err != nil {
		t.Fatalf("GetOrCreateRole(u_second) error = %v", err)
	}
	if role != "REPORTER" {
		t.Fatalf("second identity role = %s, want REPORTER", role)
	}

	// Existing rows are read back, never re-derived.
	role, err = s.GetOrCreateRole(ctx, "u_first")
	if err != nil {
		t.Fatalf("GetOrCreateRole(u_first) again error = %v", err)
	}
	if role != "ADMIN" {
		t.Fatalf("repeat lookup role = %s, want ADMIN", role)
	}
}

func TestGetOrCreateRoleLosingAdminRaceFallsBackToReporter(t *testing.T) {
	db := &roleDB{swallowInserts: 1}
	db.onSwallow = func(d *roleDB) {
		// A concurrent first login commits its ADMIN row between our
		// existence check and our insert.
		d.roles["u_rival"] = "ADMIN"
		d.adminTaken = true
	}
	s := newRoleStore(db)

	role, err := s.GetOrCreateRole(context.Background(), "u_late")
	if err != nil {
		t.Fatalf("GetOrCreateRole() error = %v", err)
	}
	if role != "REPORTER" {
		t.Fatalf("race loser role = %s, want REPORTER", role)
	}
	if db.roles["u_rival"] != "ADMIN" {
		t.Fatal("winner's ADMIN row must survive")
	}
	if db.roles["u_late"] != "REPORTER" {
		t.Fatalf("loser's row = %s, want REPORTER", db.roles["u_late"])
	}
}

func TestGetOrCreateRoleDuplicateRequestReadsWinner(t *testing.T) {
	db := &roleDB{swallowInserts: 1}
	db.onSwallow = func(d *roleDB) {
		// The same identity signed in twice at once and the other request's
		// insert committed first.
		d.roles["u_twice"] = "ADMIN"
		d.adminTaken = true
	}
	s := newRoleStore(db)

	role, err := s.GetOrCreateRole(context.Background(), "u_twice")
	if err != nil {
		t.Fatalf("GetOrCreateRole() error = %v", err)
	}
	if role != "ADMIN" {
		t.Fatalf("role = %s, want the winner's ADMIN", role)
	}
}

func TestGetOrCreateRoleGivesUpAfterBoundedRetries(t *testing.T) {
	db := &roleDB{swallowInserts: 10}
	s := newRoleStore(db)

	if _, err := s.GetOrCreateRole(context.Background(), "u_unlucky"); err == nil {
		t.Fatal("expected retries to be exhausted")
	}
}
