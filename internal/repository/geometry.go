package repository

import (
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// pointToEWKT renders a point as "SRID=4326;POINT(x y)" for ST_GeomFromEWKT.
// A nil point yields a nil parameter so the column is written as NULL.
func pointToEWKT(point *geom.Point) (*string, error) {
	if point == nil {
		return nil, nil
	}
	text, err := wkt.Marshal(point)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal point to WKT: %w", err)
	}
	if point.SRID() != 0 {
		text = fmt.Sprintf("SRID=%d;%s", point.SRID(), text)
	}
	return &text, nil
}

// pointFromEWKB decodes the output of ST_AsEWKB.
func pointFromEWKB(raw []byte) (*geom.Point, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	geometry, err := ewkb.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal EWKB: %w", err)
	}
	point, ok := geometry.(*geom.Point)
	if !ok {
		return nil, fmt.Errorf("scanned geometry is not a Point")
	}
	return point, nil
}
