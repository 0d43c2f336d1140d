package match

import (
	"context"
	"time"
)

// DriverRecord is one indexed roster entry, fields pre-normalized.
type DriverRecord struct {
	ID         string
	Scope      string
	Phone      string
	License    string
	FullName   string
	Plate      string
	Brand      string
	Model      string
	EnrolledAt *time.Time
}

// Roster looks up indexed driver records by each rule's key. An empty
// scope argument means a global search.
type Roster interface {
	FindByPhone(ctx context.Context, phone, scope string) ([]DriverRecord, error)
	FindByLicense(ctx context.Context, license, scope string) ([]DriverRecord, error)
	FindByPlate(ctx context.Context, plate, scope string) ([]DriverRecord, error)
	FindByVehicle(ctx context.Context, brand, model, scope string) ([]DriverRecord, error)
}
