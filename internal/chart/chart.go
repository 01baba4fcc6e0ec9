package chart

import (
	"context"
	"math"
	"strconv"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
	"codeberg.org/mutker/sensord/internal/samples"
	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/singleflight"
)

// Relative accuracy of summary quantiles
const sketchAccuracy = 0.01

type Registry interface {
	Lookup(id registry.StreamID) bool
}

type Reader interface {
	QueryRange(ctx context.Context, streamID int) ([]samples.Sample, error)
	QueryBetween(ctx context.Context, streamID int, from, to time.Time) ([]samples.Sample, error)
}

// Point is one plotted sample. X is unix milliseconds.
type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

type Summary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// Service turns stored samples into plotting-ready series
type Service struct {
	reg    Registry
	store  Reader
	logger logger.Logger

	// Concurrent summaries of one stream share a single computation
	group singleflight.Group
}

func New(reg Registry, store Reader) *Service {
	return &Service{
		reg:    reg,
		store:  store,
		logger: logger.Component("chart"),
	}
}

func (s *Service) check(id registry.StreamID) error {
	if !s.reg.Lookup(id) {
		return errors.New().WithData(errors.ErrUnknownStream, struct {
			Stream registry.StreamID
		}{
			Stream: id,
		})
	}
	return nil
}

// GetSeries returns the full history of a stream in ascending time order
func (s *Service) GetSeries(ctx context.Context, id registry.StreamID) ([]Point, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}

	rows, err := s.store.QueryRange(ctx, int(id))
	if err != nil {
		return nil, err
	}
	return toPoints(rows), nil
}

// GetSeriesBetween returns the points with from <= t <= to
func (s *Service) GetSeriesBetween(ctx context.Context, id registry.StreamID, from, to time.Time) ([]Point, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}

	rows, err := s.store.QueryBetween(ctx, int(id), from, to)
	if err != nil {
		return nil, err
	}
	return toPoints(rows), nil
}

func toPoints(rows []samples.Sample) []Point {
	points := make([]Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, Point{X: r.Timestamp.UnixMilli(), Y: r.Value})
	}
	return points
}

// Summarize computes summary statistics over the full history.
// An empty history yields a zero Summary.
func (s *Service) Summarize(ctx context.Context, id registry.StreamID) (Summary, error) {
	if err := s.check(id); err != nil {
		return Summary{}, err
	}

	v, err, shared := s.group.Do(strconv.Itoa(int(id)), func() (interface{}, error) {
		rows, err := s.store.QueryRange(ctx, int(id))
		if err != nil {
			return Summary{}, err
		}
		return summarize(rows)
	})
	if err != nil {
		return Summary{}, err
	}

	if shared {
		s.logger.Debug().Int("stream", int(id)).Msg("Summary shared with concurrent request")
	}
	return v.(Summary), nil
}

func summarize(rows []samples.Sample) (Summary, error) {
	if len(rows) == 0 {
		return Summary{}, nil
	}

	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return Summary{}, errors.New().Wrap(errors.ErrInternal, err)
	}

	sum := Summary{
		Min: math.MaxFloat64,
		Max: -math.MaxFloat64,
	}
	var total float64
	for _, r := range rows {
		if err := sketch.Add(r.Value); err != nil {
			return Summary{}, errors.New().Wrap(errors.ErrInternal, err)
		}
		total += r.Value
		sum.Min = math.Min(sum.Min, r.Value)
		sum.Max = math.Max(sum.Max, r.Value)
	}
	sum.Count = len(rows)
	sum.Mean = total / float64(len(rows))

	quantiles, err := sketch.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99})
	if err != nil {
		return Summary{}, errors.New().Wrap(errors.ErrInternal, err)
	}
	sum.P50, sum.P90, sum.P99 = quantiles[0], quantiles[1], quantiles[2]

	return sum, nil
}
