package integration

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/signvia/signflow/internal/challenge/biometric"
	"github.com/signvia/signflow/internal/challenge/liveness"
	"github.com/signvia/signflow/internal/challenge/otp"
	"github.com/signvia/signflow/internal/device"
	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/router"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/internal/template"
	"github.com/signvia/signflow/model"
)

// Harness wires a real client, store, and router against a mock backend.
// The KV outlives individual stores so tests can simulate a reload by
// building a second store over the same KV.
type Harness struct {
	T       *testing.T
	Backend *MockBackend
	KV      session.KV
	Store   *session.Store
	Client  *flowapi.Client
	Router  *router.Router
	Camera  *device.StaticCamera
}

// NewHarness builds a harness for one process id and pipeline.
func NewHarness(t *testing.T, processID string, pipeline []model.ChallengeType) *Harness {
	t.Helper()
	h := &Harness{
		T:       t,
		Backend: NewMockBackend(t, processID, pipeline),
		KV:      session.NewMemoryKV(),
		Camera:  NewTestCamera(t),
	}
	h.Backend.SetDocument(onePagePDF(t), defaultTemplateFields())
	h.buildStack(processID)
	return h
}

// Reload rebuilds the store, client, and router over the same KV, the way a
// page reload would.
func (h *Harness) Reload(processID string) {
	h.T.Helper()
	h.buildStack(processID)
}

func (h *Harness) buildStack(processID string) {
	logger := zaptest.NewLogger(h.T)
	h.Store = session.NewStore(h.KV, session.WithLogger(logger))
	h.Client = flowapi.NewClient(h.Backend.URL(), processID, h.Store,
		flowapi.WithLogger(logger))
	h.Router = router.New(h.Client, h.Store, router.WithLogger(logger))
}

// OTPExecutor builds an OTP executor for the given challenge variant.
func (h *Harness) OTPExecutor(challenge model.ChallengeType) *otp.Executor {
	h.T.Helper()
	exec, err := otp.NewExecutor(challenge, 6, h.Client, h.Store)
	if err != nil {
		h.T.Fatalf("building otp executor: %v", err)
	}
	return exec
}

// BiometricExecutor builds a biometric executor over the harness camera.
func (h *Harness) BiometricExecutor() *biometric.Executor {
	return biometric.NewExecutor(h.Client, h.Store, h.Camera, "image/png")
}

// LivenessExecutor builds a liveness executor whose waits return
// immediately, so tests run the full sequence without real time passing.
func (h *Harness) LivenessExecutor(opts ...liveness.Option) *liveness.Executor {
	opts = append([]liveness.Option{liveness.WithWaiter(instantWait)}, opts...)
	return liveness.NewExecutor(h.Client, h.Store, h.Camera, opts...)
}

// TemplateExecutor builds a template-sign executor.
func (h *Harness) TemplateExecutor() *template.Executor {
	return template.NewExecutor(h.Client, h.Store)
}

func instantWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// NewTestCamera returns a static camera with a distinct frame per facing.
func NewTestCamera(t *testing.T) *device.StaticCamera {
	t.Helper()
	return device.NewStaticCamera(map[device.Facing]device.Frame{
		device.FacingFront: pngFrame(t, color.RGBA{R: 255, A: 255}),
		device.FacingBack:  pngFrame(t, color.RGBA{B: 255, A: 255}),
	})
}

// pngFrame encodes a tiny solid-color PNG frame.
func pngFrame(t *testing.T, c color.Color) device.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	return device.Frame{Blob: buf.Bytes(), ContentType: "image/png", Width: 4, Height: 4}
}

// defaultTemplateFields is the template used by full-flow tests: one
// signature field and one text field, both editable.
func defaultTemplateFields() []model.TemplateField {
	return []model.TemplateField{
		{
			FieldCode: "signature",
			FieldName: "Signature",
			FieldType: model.FieldTypeSign,
			Editable:  true,
			Placements: []model.Placement{
				{Page: 1, X: 100, Y: 600, Width: 200, Height: 60},
			},
		},
		{
			FieldCode: "fullName",
			FieldName: "Full name",
			FieldType: model.FieldTypeText,
			Editable:  true,
			Placements: []model.Placement{
				{Page: 1, X: 100, Y: 500, Width: 200, Height: 20},
			},
		},
	}
}

// onePagePDF assembles a minimal single-page PDF with a US Letter MediaBox.
func onePagePDF(t *testing.T) []byte {
	t.Helper()

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := map[int]int{}

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")

	xrefStart := b.Len()
	b.WriteString("xref\n0 4\n")
	b.WriteString(pad10(0) + " 65535 f \n")
	for i := 1; i <= 3; i++ {
		b.WriteString(pad10(offsets[i]) + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 4 /Root 1 0 R >>\n")
	b.WriteString("startxref\n" + strconv.Itoa(xrefStart) + "\n%%EOF\n")

	return []byte(b.String())
}

func pad10(n int) string {
	s := strconv.Itoa(n)
	if len(s) >= 10 {
		return s
	}
	return fmt.Sprintf("%0*d", 10, n)
}
