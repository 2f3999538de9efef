package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/JonMunkholm/trexsync/internal/document"
)

type recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recorder) Report(e ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestRunnerReportsEachStep(t *testing.T) {
	rec := &recorder{}
	r := &Runner{RunID: "run-1", Sink: rec}

	var order []string
	step := func(label string) Step {
		return Step{Label: label, Run: func(ctx context.Context, report Report) error {
			order = append(order, label)
			if label == "Second" {
				report(0.5, "halfway")
			}
			return nil
		}}
	}

	n, err := r.Run(context.Background(), []Step{step("First"), step("Second")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Errorf("completed %d steps, want 2", n)
	}

	want := []ProgressEvent{
		{RunID: "run-1", Step: 1, Total: 2, Label: "First", Fraction: 0},
		{RunID: "run-1", Step: 1, Total: 2, Label: "First", Fraction: 1},
		{RunID: "run-1", Step: 2, Total: 2, Label: "Second", Fraction: 0},
		{RunID: "run-1", Step: 2, Total: 2, Label: "Second", Fraction: 0.5, Detail: "halfway"},
		{RunID: "run-1", Step: 2, Total: 2, Label: "Second", Fraction: 1},
	}
	if diff := cmp.Diff(want, rec.events, cmpopts.IgnoreFields(ProgressEvent{}, "Time")); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"First", "Second"}, order); diff != "" {
		t.Errorf("step order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerCancelsAtBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran []string

	steps := []Step{
		{Label: "Init", Run: func(ctx context.Context, _ Report) error {
			ran = append(ran, "Init")
			cancel()
			// The step itself runs to completion.
			if ctx.Err() == nil {
				t.Error("context should be cancelled inside the step")
			}
			return nil
		}},
		{Label: "Load", Run: func(context.Context, Report) error {
			ran = append(ran, "Load")
			return nil
		}},
	}

	n, err := (&Runner{}).Run(ctx, steps)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}
	if n != 1 {
		t.Errorf("completed %d steps, want 1", n)
	}
	if diff := cmp.Diff([]string{"Init"}, ran); diff != "" {
		t.Errorf("ran mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerStepError(t *testing.T) {
	boom := errors.New("boom")
	_, err := (&Runner{}).Run(context.Background(), []Step{
		{Label: "Init", Run: func(context.Context, Report) error { return nil }},
		{Label: "Parse", Run: func(context.Context, Report) error { return boom }},
	})
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not *StepError", err)
	}
	if se.Step != 2 || se.Label != "Parse" || !errors.Is(err, boom) {
		t.Errorf("StepError = %+v", se)
	}
}

type blockingSink struct {
	release chan struct{}
	got     chan ProgressEvent
}

func (b *blockingSink) Report(e ProgressEvent) {
	<-b.release
	b.got <- e
}

func TestAsyncSinkNeverBlocks(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{}), got: make(chan ProgressEvent, 10)}
	s := NewAsyncSink(slow, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Report(ProgressEvent{Step: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a slow sink")
	}

	close(slow.release)
	s.Close()

	delivered := len(slow.got)
	if delivered+int(s.Dropped()) != 10 {
		t.Errorf("delivered %d + dropped %d != 10", delivered, s.Dropped())
	}
	if s.Dropped() == 0 {
		t.Error("expected some events to be dropped")
	}

	// Reports after Close are dropped, not panics.
	s.Report(ProgressEvent{})
}

func TestAsyncSinkContainsPanics(t *testing.T) {
	s := NewAsyncSink(SinkFunc(func(ProgressEvent) { panic("sink down") }), 4)
	s.Report(ProgressEvent{})
	s.Close()
	if s.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped())
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		e    ProgressEvent
		want int
	}{
		{ProgressEvent{Step: 1, Total: 4, Fraction: 0}, 0},
		{ProgressEvent{Step: 2, Total: 4, Fraction: 0.5}, 37},
		{ProgressEvent{Step: 4, Total: 4, Fraction: 1}, 100},
		{ProgressEvent{}, 0},
	}
	for _, tt := range tests {
		if got := tt.e.Percent(); got != tt.want {
			t.Errorf("Percent(%+v) = %d, want %d", tt.e, got, tt.want)
		}
	}
}

func TestIssues(t *testing.T) {
	var is Issues
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			is.Warn(CodeCatalogFetchFailed, "failed", "entity_type", "FOCompany")
		}()
	}
	wg.Wait()
	is.Error(CodeParseFailed, "bad xml")

	if is.Len() != 51 {
		t.Errorf("Len = %d, want 51", is.Len())
	}
	if is.Count(CodeCatalogFetchFailed) != 50 {
		t.Errorf("Count = %d", is.Count(CodeCatalogFetchFailed))
	}
	last := is.List()[50]
	if last.Severity != SeverityError || last.Code != CodeParseFailed {
		t.Errorf("last issue = %+v", last)
	}
	if got := is.List()[0].Context["entity_type"]; got != "FOCompany" {
		t.Errorf("context entity_type = %q", got)
	}
}

func TestResultFail(t *testing.T) {
	var is Issues
	r := &Result{}
	r.Fail(ErrCancelled, &is)
	if r.Status != StatusCancelled || is.Count(CodeCancelled) != 1 {
		t.Errorf("cancelled run: status %s issues %v", r.Status, is.List())
	}

	r = &Result{}
	r.Fail(errors.New("disk full"), nil)
	if r.Status != StatusFailed || r.Error != "disk full" {
		t.Errorf("failed run: %+v", r)
	}

	if StatusFor(nil) != StatusCompleted {
		t.Error("no issues should be completed")
	}
	if StatusFor([]Issue{{Code: CodeLocaleInactive}}) != StatusCompletedWithErrors {
		t.Error("issues should be completed-with-errors")
	}
}

func TestSelectionNormalized(t *testing.T) {
	in := Selection{
		Locales:     []string{"fr-FR", "de_DE", "de-de"},
		DocTypes:    []document.DocType{document.SDM, document.CDM, document.SDM},
		EntityTypes: []string{"FOLocation", "FOCompany", "FOLocation"},
		Countries:   []string{"usa", " DEU", "USA"},
	}
	got := in.Normalized()

	want := Selection{
		Locales:     []string{"en_US", "de_DE", "fr_FR"},
		DocTypes:    []document.DocType{document.CDM, document.SDM},
		EntityTypes: []string{"FOCompany", "FOLocation"},
		Countries:   []string{"DEU", "USA"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Normalized mismatch (-want +got):\n%s", diff)
	}
	if len(in.Locales) != 3 || in.Locales[0] != "fr-FR" {
		t.Errorf("Normalized modified its receiver: %v", in.Locales)
	}
	if !got.WantsDocType(document.SDM) || got.WantsDocType(document.CSFSDM) {
		t.Error("WantsDocType wrong")
	}
	if !got.WantsCountry("deu") || got.WantsCountry("FRA") || !got.WantsCountry("") {
		t.Error("WantsCountry wrong")
	}
	if !(Selection{}).WantsCountry("FRA") {
		t.Error("empty selection should want every country")
	}
	if (Selection{}).WantsCatalog() {
		t.Error("empty selection should not want the catalog")
	}
}
