// Package drivers maps configured target types to driver implementations.
package drivers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/cdcload/internal/driver"
	"github.com/johndauphine/cdcload/internal/driver/mssql"
	"github.com/johndauphine/cdcload/internal/driver/mysql"
	"github.com/johndauphine/cdcload/internal/driver/postgres"
	"github.com/johndauphine/cdcload/internal/driver/sqlite"
)

func all() []driver.Driver {
	return []driver.Driver{
		&postgres.Driver{},
		&mssql.Driver{},
		&mysql.Driver{},
		&sqlite.Driver{},
	}
}

// ForType returns the driver registered under name or one of its aliases.
// Matching is case-insensitive.
func ForType(name string) (driver.Driver, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, d := range all() {
		if d.Name() == want {
			return d, nil
		}
		for _, alias := range d.Aliases() {
			if alias == want {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("unknown target type %q (available: %s)", name, strings.Join(Available(), ", "))
}

// Available returns the primary names of all drivers, sorted.
func Available() []string {
	var names []string
	for _, d := range all() {
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names
}

// IsKnown reports whether name resolves to a driver.
func IsKnown(name string) bool {
	_, err := ForType(name)
	return err == nil
}
