// Package loader implements the announcement hook: when a page is ready it
// fetches the announcement fragment and inserts it after the anchor element.
package loader

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"annc/config"
	"annc/fragment"
	"annc/page"
)

// DiagnosticMessage is logged once every time fragment could not be fetched.
const DiagnosticMessage = "Failed to load the message from the external file."

// Outcome of a single hook invocation. Failures are never returned as errors,
// Reason is only kept for reporting.
type Outcome struct {
	ID       uuid.UUID
	Inserted bool
	Fragment *fragment.Fragment
	Reason   error
}

// Loader fetches announcement fragment on behalf of a page. It has no
// re-entrancy guard: each call to Ready fetches and inserts again.
type Loader struct {
	src       fragment.Source
	name      string
	anchorID  string
	container string
	log       *zap.Logger
}

func New(src fragment.Source, cfg *config.AnnouncementConfig, log *zap.Logger) *Loader {
	return &Loader{
		src:       src,
		name:      cfg.Fragment,
		anchorID:  cfg.AnchorID,
		container: cfg.Container,
		log:       log.Named("loader"),
	}
}

// Ready is called once when the document has been parsed and could be
// modified. Document is left unchanged unless outcome is Inserted.
func (l *Loader) Ready(ctx context.Context, doc page.Document) Outcome {
	out := Outcome{ID: newLoadID()}
	log := l.log.With(zap.Stringer("load_id", out.ID))

	frag, err := l.src.Fetch(ctx, l.name)
	if err != nil {
		out.Reason = err
		log.Error(DiagnosticMessage, zap.String("fragment", l.name), zap.String("base", l.src.Base()), zap.Error(err))
		return out
	}
	out.Fragment = frag

	if err := doc.InsertAfter(l.anchorID, l.container, frag.Markup); err != nil {
		out.Reason = err
		log.Error("Unable to insert announcement, dropping it", zap.String("anchor", l.anchorID), zap.Error(err))
		return out
	}

	out.Inserted = true
	log.Debug("Announcement inserted",
		zap.String("from", frag.Location), zap.String("anchor", l.anchorID), zap.Int("size", len(frag.Markup)))
	return out
}

func newLoadID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
