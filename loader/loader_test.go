package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"annc/common"
	"annc/config"
	"annc/fragment"
	"annc/page"
)

const (
	content = `<p>Release <b>3.1</b> is available</p>`
	srcPage = `<!DOCTYPE html><html><head></head><body><div id="_1">top</div><div id="_2">rest</div></body></html>`
)

type stubSource struct {
	markup string
	err    error
	calls  int
}

func (s *stubSource) Base() string { return "stub" }

func (s *stubSource) Fetch(_ context.Context, name string) (*fragment.Fragment, error) {
	s.calls++
	if s.err != nil {
		return nil, fmt.Errorf("%w %q: %w", fragment.ErrFetch, name, s.err)
	}
	return &fragment.Fragment{Name: name, Location: "stub/" + name, Markup: s.markup}, nil
}

func defaultAnnouncement() *config.AnnouncementConfig {
	return &config.AnnouncementConfig{
		Fragment:  "announcements.html",
		Base:      ".",
		AnchorID:  "_1",
		Container: "div",
	}
}

func newObserved() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func parse(t *testing.T) page.Document {
	t.Helper()
	doc, err := page.Parse(strings.NewReader(srcPage), common.DocumentModeAuto)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

func render(t *testing.T, doc page.Document) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	return buf.String()
}

func errorEntries(logs *observer.ObservedLogs) []observer.LoggedEntry {
	return logs.FilterLevelExact(zapcore.ErrorLevel).All()
}

func TestReady_Inserted(t *testing.T) {
	log, logs := newObserved()
	src := &stubSource{markup: content}
	doc := parse(t)

	out := New(src, defaultAnnouncement(), log).Ready(context.Background(), doc)

	if !out.Inserted || out.Reason != nil {
		t.Fatalf("Ready() = %+v, want inserted", out)
	}
	if out.ID == uuid.Nil {
		t.Error("load id not assigned")
	}
	if out.Fragment == nil || out.Fragment.Markup != content {
		t.Errorf("unexpected fragment %+v", out.Fragment)
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
	if n := len(errorEntries(logs)); n != 0 {
		t.Errorf("%d error entries logged on success", n)
	}

	want := `<div id="_1">top</div><div>` + content + `</div><div id="_2">rest</div>`
	if got := render(t, doc); !strings.Contains(got, want) {
		t.Errorf("rendered page does not contain %q:\n%s", want, got)
	}
}

func TestReady_FetchFailure(t *testing.T) {
	log, logs := newObserved()
	doc := parse(t)
	before := render(t, doc)

	src := &stubSource{err: errors.New("connection refused")}
	out := New(src, defaultAnnouncement(), log).Ready(context.Background(), doc)

	if out.Inserted {
		t.Fatal("nothing must be inserted on fetch failure")
	}
	if !errors.Is(out.Reason, fragment.ErrFetch) {
		t.Errorf("Reason = %v, want ErrFetch", out.Reason)
	}
	if after := render(t, doc); after != before {
		t.Errorf("document changed on failure:\n%s", after)
	}

	entries := errorEntries(logs)
	if len(entries) != 1 {
		t.Fatalf("%d error entries logged, want exactly 1", len(entries))
	}
	if entries[0].Message != DiagnosticMessage {
		t.Errorf("diagnostic = %q, want %q", entries[0].Message, DiagnosticMessage)
	}
	if logs.Len() != 1 {
		t.Errorf("%d entries logged in total, want 1", logs.Len())
	}
}

func TestReady_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/announcements.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(content))
	}))
	defer srv.Close()

	src, err := fragment.NewSource(srv.URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}

	t.Run("reachable", func(t *testing.T) {
		log, logs := newObserved()
		doc := parse(t)
		out := New(src, defaultAnnouncement(), log).Ready(context.Background(), doc)
		if !out.Inserted {
			t.Fatalf("Ready() = %+v, want inserted", out)
		}
		if n := len(errorEntries(logs)); n != 0 {
			t.Errorf("%d error entries logged", n)
		}
		if !strings.Contains(render(t, doc), `<div id="_1">top</div><div>`+content+`</div>`) {
			t.Error("fragment not inserted after anchor")
		}
	})

	t.Run("404", func(t *testing.T) {
		log, logs := newObserved()
		doc := parse(t)
		cfg := defaultAnnouncement()
		cfg.Fragment = "missing.html"
		out := New(src, cfg, log).Ready(context.Background(), doc)
		if out.Inserted {
			t.Fatal("nothing must be inserted for 404")
		}
		entries := errorEntries(logs)
		if len(entries) != 1 || entries[0].Message != DiagnosticMessage {
			t.Errorf("expected exactly one diagnostic, got %+v", entries)
		}
		if strings.Contains(render(t, doc), content) {
			t.Error("fragment inserted for 404")
		}
	})
}

func TestReady_MissingAnchor(t *testing.T) {
	log, logs := newObserved()
	doc := parse(t)
	before := render(t, doc)

	cfg := defaultAnnouncement()
	cfg.AnchorID = "nowhere"
	out := New(&stubSource{markup: content}, cfg, log).Ready(context.Background(), doc)

	if out.Inserted {
		t.Fatal("nothing must be inserted without anchor")
	}
	if !errors.Is(out.Reason, page.ErrNoAnchor) {
		t.Errorf("Reason = %v, want ErrNoAnchor", out.Reason)
	}
	if out.Fragment == nil {
		t.Error("fetched fragment must be kept in outcome")
	}
	if after := render(t, doc); after != before {
		t.Error("document changed without anchor")
	}
	if n := len(errorEntries(logs)); n != 1 {
		t.Errorf("%d error entries logged, want 1", n)
	}
}

// Ready has no re-entrancy guard, second invocation inserts a duplicate.
func TestReady_TwiceInsertsDuplicate(t *testing.T) {
	log, _ := newObserved()
	doc := parse(t)
	src := &stubSource{markup: content}
	l := New(src, defaultAnnouncement(), log)

	first := l.Ready(context.Background(), doc)
	second := l.Ready(context.Background(), doc)

	if !first.Inserted || !second.Inserted {
		t.Fatal("both invocations expected to insert")
	}
	if first.ID == second.ID {
		t.Error("each invocation must get its own load id")
	}
	if src.calls != 2 {
		t.Errorf("source called %d times, want 2", src.calls)
	}
	if n := strings.Count(render(t, doc), content); n != 2 {
		t.Errorf("fragment present %d times, want 2", n)
	}
}

func TestReady_CustomContainer(t *testing.T) {
	log, _ := newObserved()
	doc := parse(t)
	cfg := defaultAnnouncement()
	cfg.Container = "aside"

	if out := New(&stubSource{markup: content}, cfg, log).Ready(context.Background(), doc); !out.Inserted {
		t.Fatalf("Ready() = %+v", out)
	}
	if !strings.Contains(render(t, doc), "<aside>"+content+"</aside>") {
		t.Error("custom container not used")
	}
}
