// Package proj provides coordinate transforms between the geographic and
// web mercator reference systems. Transform tables are memoized per worker
// through a Session, which is not safe for concurrent use: each worker
// obtains its own session from the Pool and never shares it.
package proj

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/geopyramid/tilestore/worker"
)

// ErrUnknownCRS is returned when a transform endpoint is not a supported
// reference system.
var ErrUnknownCRS = errors.New("proj: unknown crs")

const (
	// CRSGeographic is WGS84 geographic coordinates, x longitude and y
	// latitude in degrees.
	CRSGeographic = "EPSG:4326"

	// CRSWebMercator is spherical mercator, x and y in metres.
	CRSWebMercator = "EPSG:3857"
)

const (
	earthRadius = 6378137.0

	// maxLatitude is the latitude bound of the square web mercator plane.
	maxLatitude = 85.05112877980659
)

// Transform converts one coordinate pair between two reference systems.
type Transform func(x, y float64) (float64, float64, error)

type transformKey struct {
	from string
	to   string
}

// Session builds and memoizes transforms for one worker. The table is
// unsynchronized: a session must only be used by the worker it was built
// for.
type Session struct {
	worker     worker.ID
	transforms map[transformKey]Transform
}

// NewSession creates an empty session for the given worker.
func NewSession(id worker.ID) *Session {
	return &Session{
		worker:     id,
		transforms: make(map[transformKey]Transform),
	}
}

// Worker returns the identity the session was built for.
func (s *Session) Worker() worker.ID {
	return s.worker
}

// Transform returns the conversion from one reference system to another,
// building and memoizing it on first use.
func (s *Session) Transform(from, to string) (Transform, error) {
	key := transformKey{from: normalizeCRS(from), to: normalizeCRS(to)}

	if t, ok := s.transforms[key]; ok {
		return t, nil
	}

	t, err := buildTransform(key.from, key.to)
	if err != nil {
		return nil, err
	}
	s.transforms[key] = t
	return t, nil
}

// Cached returns the number of memoized transforms.
func (s *Session) Cached() int {
	return len(s.transforms)
}

// normalizeCRS maps accepted spellings onto canonical codes. CRS:84 is
// treated as geographic with the same lon, lat axis order.
func normalizeCRS(crs string) string {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case "EPSG:4326", "CRS:84", "WGS84":
		return CRSGeographic
	case "EPSG:3857", "EPSG:900913":
		return CRSWebMercator
	default:
		return strings.ToUpper(strings.TrimSpace(crs))
	}
}

func buildTransform(from, to string) (Transform, error) {
	if from != CRSGeographic && from != CRSWebMercator {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCRS, from)
	}
	if to != CRSGeographic && to != CRSWebMercator {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCRS, to)
	}

	switch {
	case from == to:
		return func(x, y float64) (float64, float64, error) {
			return x, y, nil
		}, nil
	case from == CRSGeographic:
		return geographicToMercator, nil
	default:
		return mercatorToGeographic, nil
	}
}

func geographicToMercator(lon, lat float64) (float64, float64, error) {
	if lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("proj: longitude %g outside [-180, 180]", lon)
	}
	if lat < -maxLatitude || lat > maxLatitude {
		return 0, 0, fmt.Errorf("proj: latitude %g outside web mercator bounds", lat)
	}

	x := earthRadius * lon * math.Pi / 180
	y := earthRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y, nil
}

func mercatorToGeographic(x, y float64) (float64, float64, error) {
	lon := x / earthRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/earthRadius)) - math.Pi/2) * 180 / math.Pi

	if lon < -180-1e-9 || lon > 180+1e-9 {
		return 0, 0, fmt.Errorf("proj: x %g outside web mercator bounds", x)
	}
	return lon, lat, nil
}

// Pool hands each worker its own Session.
type Pool struct {
	pool *worker.Pool[*Session]
}

// NewPool creates the per-worker session pool.
func NewPool() *Pool {
	return &Pool{
		pool: worker.NewPool(func(id worker.ID) (*Session, error) {
			return NewSession(id), nil
		}),
	}
}

// Session returns the calling worker's session, constructing it on first
// use. The context must carry a worker identity.
func (p *Pool) Session(ctx context.Context) (*Session, error) {
	return p.pool.Get(ctx)
}

// Len returns the number of sessions currently held.
func (p *Pool) Len() int {
	return p.pool.Len()
}

// Shutdown drops all sessions. Only called at process end.
func (p *Pool) Shutdown() {
	p.pool.Shutdown(nil)
}
