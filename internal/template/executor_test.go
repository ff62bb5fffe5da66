package template

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/model"
)

type fakeAPI struct {
	downloadResp flowapi.TemplateDownloadResponse
	downloadErr  error
	document     []byte
	fetchErr     error
	submitResp   flowapi.VerifyResponse
	submitErr    error
	submitted    []model.TemplateField
}

func (f *fakeAPI) DownloadTemplate(ctx context.Context) (flowapi.TemplateDownloadResponse, error) {
	return f.downloadResp, f.downloadErr
}

func (f *fakeAPI) FetchDocument(ctx context.Context, url string) ([]byte, error) {
	return f.document, f.fetchErr
}

func (f *fakeAPI) SubmitTemplate(ctx context.Context, fields []model.TemplateField) (flowapi.VerifyResponse, error) {
	f.submitted = fields
	return f.submitResp, f.submitErr
}

// onePagePDF mirrors the builder used by the render surface tests.
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
	xref := b.Len()
	b.WriteString("xref\n0 4\n")
	fmt.Fprintf(&b, "%010d 65535 f \n", 0)
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	b.WriteString("trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n" + strconv.Itoa(xref) + "\n%%EOF\n")
	return []byte(b.String())
}

func templateFields() []model.TemplateField {
	return []model.TemplateField{
		{
			FieldCode: "fullName", FieldName: "Full name", FieldType: model.FieldTypeText,
			Editable:   true,
			Placements: []model.Placement{{Page: 1, X: 100, Y: 200, Width: 150, Height: 20}},
		},
		{
			FieldCode: "amount", FieldName: "Amount", FieldType: model.FieldTypeNumber,
			Editable:   true,
			Placements: []model.Placement{{Page: 1, X: 100, Y: 240, Width: 80, Height: 20}},
		},
		{
			FieldCode: "sig", FieldName: "Signature", FieldType: model.FieldTypeSign,
			Editable:   true,
			Placements: []model.Placement{{Page: 1, X: 100, Y: 600, Width: 200, Height: 60}},
		},
		{
			FieldCode: "contractNo", FieldName: "Contract", FieldType: model.FieldTypeText,
			Editable: false, Value: "C-100",
		},
	}
}

func signSession() *model.FlowSession {
	return &model.FlowSession{
		ProcessID: "proc-1",
		FlowToken: "tok",
		Pipeline:  []model.ChallengeType{model.ChallengeTemplateSign},
		Challenges: []model.Challenge{
			{Type: model.ChallengeTemplateSign, Status: model.ChallengeStatusActive},
		},
		CurrentStep: model.ChallengeTemplateSign,
		Status:      model.FlowStatusActive,
	}
}

func newTestExecutor(t *testing.T, api *fakeAPI) (*Executor, *session.Store) {
	t.Helper()
	store := session.NewStore(session.NewMemoryKV())
	if err := store.Replace(signSession()); err != nil {
		t.Fatal(err)
	}
	return NewExecutor(api, store), store
}

func downloaded(t *testing.T, api *fakeAPI) *Executor {
	t.Helper()
	api.document = onePagePDF(t)
	api.downloadResp = flowapi.TemplateDownloadResponse{
		DownloadURL: "http://storage/doc.pdf",
		Fields:      templateFields(),
	}
	e, _ := newTestExecutor(t, api)
	if err := e.Download(context.Background()); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	t.Cleanup(e.Teardown)
	return e
}

func TestExecutor_downloadOpensSurface(t *testing.T) {
	e := downloaded(t, &fakeAPI{})
	if e.Phase() != PhaseFilling {
		t.Fatalf("Phase = %q", e.Phase())
	}
	if e.Surface() == nil || e.Surface().PageCount() != 1 {
		t.Fatal("surface not opened")
	}
	if len(e.Fields()) != 4 {
		t.Errorf("fields = %d", len(e.Fields()))
	}
}

func TestExecutor_setValueValidation(t *testing.T) {
	e := downloaded(t, &fakeAPI{})

	if err := e.SetValue("fullName", "Ana Souza"); err != nil {
		t.Errorf("SetValue(text) error = %v", err)
	}
	if err := e.SetValue("amount", "12.50"); err != nil {
		t.Errorf("SetValue(number) error = %v", err)
	}
	if err := e.SetValue("amount", "abc"); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("SetValue(non-numeric) = %v", err)
	}
	if err := e.SetValue("contractNo", "X"); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("SetValue(read-only) = %v", err)
	}
	if err := e.SetValue("sig", "text"); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("SetValue(signature field) = %v", err)
	}
	if err := e.SetValue("nope", "x"); model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("SetValue(unknown) = %v", err)
	}
}

func TestExecutor_submitGatedOnAllFields(t *testing.T) {
	api := &fakeAPI{}
	e := downloaded(t, api)

	if e.AllFieldsFilled() {
		t.Fatal("AllFieldsFilled with empty editable fields")
	}
	if _, err := e.Submit(context.Background()); model.CodeOf(err) != model.ErrBadRequest {
		t.Fatalf("Submit before filling = %v", err)
	}

	if err := e.SetValue("fullName", "Ana Souza"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValue("amount", "100"); err != nil {
		t.Fatal(err)
	}
	// Whitespace is not a value.
	if err := e.SetValue("fullName", "   "); err != nil {
		t.Fatal(err)
	}
	if e.AllFieldsFilled() {
		t.Fatal("whitespace-only value counted as filled")
	}
	if err := e.SetValue("fullName", "Ana Souza"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetSignature("sig", "data:image/png;base64,iVBOR"); err != nil {
		t.Fatal(err)
	}
	if !e.AllFieldsFilled() {
		t.Fatal("AllFieldsFilled = false with everything filled")
	}

	api.submitResp = flowapi.VerifyResponse{Completed: true, Status: model.FlowStatusCompleted}
	resp, err := e.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !resp.Completed || e.Phase() != PhaseSuccess {
		t.Errorf("Completed=%v Phase=%q", resp.Completed, e.Phase())
	}
}

func TestExecutor_submitSanitizesPlacementsAndCodes(t *testing.T) {
	api := &fakeAPI{}
	api.document = onePagePDF(t)
	api.downloadResp = flowapi.TemplateDownloadResponse{
		DownloadURL: "http://storage/doc.pdf",
		Fields: []model.TemplateField{
			{
				FieldType: model.FieldTypeSign, Editable: true,
				Placements: []model.Placement{{Page: 0, X: math.NaN(), Y: -5, Width: math.Inf(1), Height: 30}},
			},
			{
				FieldType: model.FieldTypeNumber, Value: "42",
			},
			{
				FieldType: model.FieldTypeText, Value: "note",
			},
		},
	}
	e, _ := newTestExecutor(t, api)
	if err := e.Download(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Teardown()

	if err := e.SetSignature("", "data:image/png;base64,AAA"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sig := api.submitted[0]
	if sig.FieldCode != model.FallbackCodeSignature {
		t.Errorf("signature fallback code = %q", sig.FieldCode)
	}
	p := sig.Placements[0]
	if p.Page != 1 || p.X != 0 || p.Y != 0 || p.Width != 0 || p.Height != 30 {
		t.Errorf("sanitized placement = %+v", p)
	}
	if api.submitted[1].FieldCode != model.FallbackCodeNumber {
		t.Errorf("number fallback code = %q", api.submitted[1].FieldCode)
	}
	if api.submitted[2].FieldCode != model.FallbackCodeDefault {
		t.Errorf("text fallback code = %q", api.submitted[2].FieldCode)
	}
}

func TestExecutor_submitFailureReturnsToFilling(t *testing.T) {
	api := &fakeAPI{submitErr: model.NewBackendUnavailableError()}
	e := downloaded(t, api)

	if err := e.SetValue("fullName", "A"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValue("amount", "1"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetSignature("sig", "data:image/png;base64,AAA"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Submit(context.Background())
	if model.CodeOf(err) != model.ErrBackendUnavailable {
		t.Fatalf("Submit() = %v", err)
	}
	if e.Phase() != PhaseFilling {
		t.Errorf("Phase = %q, want filling so the signer can retry", e.Phase())
	}
	// Values survive the failed submit.
	for _, f := range e.Fields() {
		if f.FieldCode == "sig" && f.Value == "" {
			t.Error("failed submit discarded the signature")
		}
	}
}

func TestExecutor_fieldRects(t *testing.T) {
	e := downloaded(t, &fakeAPI{})
	if err := e.Surface().FitToWidth(1224); err != nil { // 2x
		t.Fatal(err)
	}

	rects, err := e.FieldRects()
	if err != nil {
		t.Fatalf("FieldRects() error = %v", err)
	}
	got := rects["fullName"][0]
	if got.X != 200 || got.Y != 400 || got.Width != 300 || got.Height != 40 {
		t.Errorf("fullName rect = %+v, want doubled", got)
	}
	if _, ok := rects["contractNo"]; ok {
		t.Error("field without placements appeared in rects")
	}
}

func TestExecutor_submitAdvancesSession(t *testing.T) {
	api := &fakeAPI{submitResp: flowapi.VerifyResponse{Completed: true, Status: model.FlowStatusCompleted}}
	e := downloaded(t, api)
	store := e.store

	if err := e.SetValue("fullName", "A"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValue("amount", "1"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetSignature("sig", "data:image/png;base64,AAA"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Submit(context.Background()); err != nil {
		t.Fatal(err)
	}

	sess := store.Current()
	if sess.ChallengeStatusOf(model.ChallengeTemplateSign) != model.ChallengeStatusCompleted {
		t.Error("template_sign not completed in session")
	}
	if sess.Status != model.FlowStatusCompleted {
		t.Errorf("Status = %q", sess.Status)
	}
}
