// Package render drives the document view of the template-signing step: a
// paged PDF surface whose placement geometry always derives from the
// per-page base size captured at load, never from whatever happens to be on
// screen. Renders carry a generation number; anything that finishes after a
// newer request started is discarded.
package render

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digitorus/pdf"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/geometry"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/model"
)

// Letter-size fallback in PDF points, used when a page carries no MediaBox
// anywhere in its parent chain.
const (
	fallbackWidth  = 612
	fallbackHeight = 792
)

// RenderResult is one finished page render delivered to the listener.
type RenderResult struct {
	Page       int
	Image      image.Image
	Size       geometry.Size
	Scale      float64
	Trigger    string
	Generation uint64
}

// Surface is the paged document view. All geometry questions are answered
// from the memoized base sizes; the rendered bitmap is presentation only.
type Surface struct {
	mu        sync.Mutex
	doc       *pdf.Reader
	pageCount int
	page      int
	scale     float64
	rendered  geometry.Size

	baseSizes  *gocache.Cache
	rasterizer Rasterizer
	listener   func(RenderResult)
	logger     *zap.Logger
	metrics    *observability.Metrics

	minScale float64
	maxScale float64
	debounce time.Duration

	resizeMu    sync.Mutex
	resizeTimer *time.Timer

	gen    atomic.Uint64
	inFly  sync.WaitGroup
	closed atomic.Bool
}

// SurfaceOption configures a Surface.
type SurfaceOption func(*Surface)

// WithRasterizer replaces the page painter.
func WithRasterizer(r Rasterizer) SurfaceOption {
	return func(s *Surface) { s.rasterizer = r }
}

// WithListener sets the callback receiving finished renders. The callback
// runs on the render goroutine and only ever sees current-generation
// results.
func WithListener(fn func(RenderResult)) SurfaceOption {
	return func(s *Surface) { s.listener = fn }
}

// WithScaleBounds sets the clamp range for fit-to-width scaling.
func WithScaleBounds(min, max float64) SurfaceOption {
	return func(s *Surface) { s.minScale, s.maxScale = min, max }
}

// WithResizeDebounce sets the resize settle window. Zero applies resizes
// immediately.
func WithResizeDebounce(d time.Duration) SurfaceOption {
	return func(s *Surface) { s.debounce = d }
}

// WithSurfaceLogger sets the surface's logger.
func WithSurfaceLogger(logger *zap.Logger) SurfaceOption {
	return func(s *Surface) { s.logger = logger }
}

// WithSurfaceMetrics attaches metric instruments.
func WithSurfaceMetrics(m *observability.Metrics) SurfaceOption {
	return func(s *Surface) { s.metrics = m }
}

// Open parses the document and positions the surface on page 1 at scale 1.
// No render is issued until the host reports a viewport or page change.
func Open(data []byte, opts ...SurfaceOption) (*Surface, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("document is not a readable PDF: %v", err))
	}
	pageCount := doc.NumPage()
	if pageCount < 1 {
		return nil, model.NewBadRequestError("document has no pages")
	}

	s := &Surface{
		doc:        doc,
		pageCount:  pageCount,
		page:       1,
		scale:      1,
		baseSizes:  gocache.New(gocache.NoExpiration, 0),
		rasterizer: BlankRasterizer{},
		logger:     zap.NewNop(),
		minScale:   0.5,
		maxScale:   3.0,
		debounce:   120 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PageCount returns the number of pages.
func (s *Surface) PageCount() int { return s.pageCount }

// Page returns the current 1-based page number.
func (s *Surface) Page() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Scale returns the current scale factor relative to the base size.
func (s *Surface) Scale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

// Rendered returns the size of the last completed render, in pixels. Zero
// until the first render finishes.
func (s *Surface) Rendered() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// BaseSize returns the page's size at scale 1, captured once and memoized.
// Scaling always starts from this value, which is what keeps repeated
// resizes from compounding.
func (s *Surface) BaseSize(page int) (model.PageBaseSize, error) {
	if page < 1 || page > s.pageCount {
		return model.PageBaseSize{}, model.NewBadRequestError(
			fmt.Sprintf("page %d out of range 1..%d", page, s.pageCount))
	}
	key := strconv.Itoa(page)
	if cached, ok := s.baseSizes.Get(key); ok {
		return cached.(model.PageBaseSize), nil
	}

	base := s.readMediaBox(page)
	s.baseSizes.SetDefault(key, base)
	return base, nil
}

// readMediaBox extracts the page's MediaBox, walking the Pages tree parent
// chain for inherited boxes. Pages without one get US Letter.
func (s *Surface) readMediaBox(page int) model.PageBaseSize {
	p := s.doc.Page(page)
	box := p.V.Key("MediaBox")
	node := p.V
	for box.IsNull() && !node.IsNull() {
		node = node.Key("Parent")
		box = node.Key("MediaBox")
	}
	if box.IsNull() || box.Len() != 4 {
		s.logger.Warn("render: page has no MediaBox, using letter size",
			zap.Int("page", page))
		return model.PageBaseSize{Width: fallbackWidth, Height: fallbackHeight}
	}
	width := box.Index(2).Float64() - box.Index(0).Float64()
	height := box.Index(3).Float64() - box.Index(1).Float64()
	if width <= 0 || height <= 0 {
		return model.PageBaseSize{Width: fallbackWidth, Height: fallbackHeight}
	}
	return model.PageBaseSize{Width: width, Height: height}
}

// SetPage switches to the given page and issues a render at the current
// scale.
func (s *Surface) SetPage(page int) error {
	if page < 1 || page > s.pageCount {
		return model.NewBadRequestError(
			fmt.Sprintf("page %d out of range 1..%d", page, s.pageCount))
	}
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()
	s.requestRender("page")
	return nil
}

// FitToWidth recomputes the scale so the current page's base width fills
// the viewport, clamped to the configured bounds, and renders immediately.
// It is the initial-layout path; live window resizing goes through Resize.
func (s *Surface) FitToWidth(viewportWidth float64) error {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()

	base, err := s.BaseSize(page)
	if err != nil {
		return err
	}
	scale := geometry.FitScale(viewportWidth, base.Width, s.minScale, s.maxScale)
	s.mu.Lock()
	s.scale = scale
	s.mu.Unlock()
	s.requestRender("fit")
	return nil
}

// Resize reports a new viewport width. The recompute is debounced so a
// window drag does not render on every intermediate width; only the settled
// width is rendered.
func (s *Surface) Resize(viewportWidth float64) {
	if s.debounce <= 0 {
		_ = s.FitToWidth(viewportWidth)
		return
	}
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(s.debounce, func() {
		if s.closed.Load() {
			return
		}
		_ = s.FitToWidth(viewportWidth)
	})
}

// SetScale sets an explicit scale, clamped to bounds, and renders.
func (s *Surface) SetScale(scale float64) {
	scale = math.Min(math.Max(scale, s.minScale), s.maxScale)
	s.mu.Lock()
	s.scale = scale
	s.mu.Unlock()
	s.requestRender("zoom")
}

// PlacementRect maps a field placement on the current page into rendered
// coordinates. The input is in base coordinates and the output is scaled
// from the base size, never from a previously scaled rect.
func (s *Surface) PlacementRect(p model.Placement) (model.Placement, error) {
	s.mu.Lock()
	page := s.page
	scale := s.scale
	s.mu.Unlock()

	if p.Page != page {
		return model.Placement{}, model.NewBadRequestError(
			fmt.Sprintf("placement is on page %d, surface shows page %d", p.Page, page))
	}
	base, err := s.BaseSize(page)
	if err != nil {
		return model.Placement{}, err
	}
	target := geometry.Size{Width: base.Width * scale, Height: base.Height * scale}
	return geometry.ScalePlacement(p, base, target), nil
}

// requestRender starts an asynchronous render of the current page at the
// current scale. Its generation number is claimed before the goroutine
// starts, so a later request invalidates this one even if it finishes
// first.
func (s *Surface) requestRender(trigger string) {
	if s.closed.Load() {
		return
	}
	gen := s.gen.Add(1)

	s.mu.Lock()
	page := s.page
	scale := s.scale
	s.mu.Unlock()

	s.inFly.Add(1)
	go func() {
		defer s.inFly.Done()
		s.render(gen, page, scale, trigger)
	}()
}

func (s *Surface) render(gen uint64, page int, scale float64, trigger string) {
	base, err := s.BaseSize(page)
	if err != nil {
		s.logger.Error("render: base size lookup failed", zap.Error(err))
		return
	}
	target := geometry.Size{Width: base.Width * scale, Height: base.Height * scale}

	start := time.Now()
	img, err := s.rasterizer.Rasterize(page, int(math.Round(target.Width)), int(math.Round(target.Height)))
	if err != nil {
		s.logger.Error("render: rasterize failed",
			zap.Int("page", page), zap.Error(err))
		return
	}

	if s.gen.Load() != gen {
		if s.metrics != nil {
			s.metrics.StaleRendersDiscarded.Inc()
		}
		s.logger.Debug("render: discarding stale render",
			zap.Int("page", page), zap.Uint64("generation", gen))
		return
	}
	s.metrics.ObserveRender(trigger, time.Since(start))

	s.mu.Lock()
	s.rendered = target
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(RenderResult{
			Page:       page,
			Image:      img,
			Size:       target,
			Scale:      scale,
			Trigger:    trigger,
			Generation: gen,
		})
	}
}

// Close stops pending resize timers and waits for in-flight renders.
func (s *Surface) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.resizeMu.Lock()
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeMu.Unlock()
	s.inFly.Wait()
}
