package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RouteCatalog reads routes from the "routes" collection.
type RouteCatalog struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewRouteCatalog(db *mongo.Database, logger observability.Logger) *RouteCatalog {
	return &RouteCatalog{
		coll:   db.Collection("routes"),
		logger: logger,
	}
}

type RouteDoc struct {
	ID            string               `bson:"_id"`
	DriverID      string               `bson:"driver_id"`
	Stops         []string             `bson:"stops"`
	SeatCapacity  int                  `bson:"seat_capacity"`
	PricePerSeat  primitive.Decimal128 `bson:"price_per_seat"`
	PlatformFee   primitive.Decimal128 `bson:"platform_fee"`
	Currency      string               `bson:"currency"`
	DepartureTime string               `bson:"departure_time"`
	TimeZone      string               `bson:"time_zone"`
	CreatedAt     time.Time            `bson:"created_at"`
	UpdatedAt     time.Time            `bson:"updated_at"`
}

func (d RouteDoc) toDomain() (*domain.Route, error) {
	price, err := decimal.NewFromString(d.PricePerSeat.String())
	if err != nil {
		return nil, errors.Wrapf(err, "route %s price_per_seat", d.ID)
	}
	fee, err := decimal.NewFromString(d.PlatformFee.String())
	if err != nil {
		return nil, errors.Wrapf(err, "route %s platform_fee", d.ID)
	}
	return &domain.Route{
		ID:            d.ID,
		DriverID:      d.DriverID,
		Stops:         d.Stops,
		SeatCapacity:  d.SeatCapacity,
		PricePerSeat:  price,
		PlatformFee:   fee,
		Currency:      d.Currency,
		DepartureTime: d.DepartureTime,
		TimeZone:      d.TimeZone,
	}, nil
}

func (c *RouteCatalog) Route(ctx context.Context, id string) (*domain.Route, error) {
	var doc RouteDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.Wrapf(domain.ErrRouteNotFound, "route %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("route_id", id).Error("failed to get route")
		return nil, errors.Mark(errors.Wrapf(err, "get route %s", id), domain.ErrPersistence)
	}
	return doc.toDomain()
}

// UpsertRoute stores r. Used for seeding and by tests.
func (c *RouteCatalog) UpsertRoute(ctx context.Context, r domain.Route) error {
	price, err := primitive.ParseDecimal128(r.PricePerSeat.String())
	if err != nil {
		return errors.Wrapf(err, "route %s price", r.ID)
	}
	fee, err := primitive.ParseDecimal128(r.PlatformFee.String())
	if err != nil {
		return errors.Wrapf(err, "route %s fee", r.ID)
	}
	now := time.Now().UTC()
	_, err = c.coll.UpdateOne(ctx,
		bson.M{"_id": r.ID},
		bson.M{
			"$set": bson.M{
				"driver_id":      r.DriverID,
				"stops":          r.Stops,
				"seat_capacity":  r.SeatCapacity,
				"price_per_seat": price,
				"platform_fee":   fee,
				"currency":       r.Currency,
				"departure_time": r.DepartureTime,
				"time_zone":      r.TimeZone,
				"updated_at":     now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).WithField("route_id", r.ID).Error("failed to upsert route")
		return errors.Wrapf(err, "upsert route %s", r.ID)
	}
	return nil
}
