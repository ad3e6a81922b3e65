package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pallavilagisetti/admin-control-sub000/internal/cache"
	"github.com/pallavilagisetti/admin-control-sub000/internal/queue"
	"github.com/pallavilagisetti/admin-control-sub000/internal/store"
)

// ResumeStore is the résumé persistence consumed by the extraction handler.
type ResumeStore interface {
	GetResume(ctx context.Context, id uuid.UUID) (*store.Resume, error)
	MarkResumeProcessing(ctx context.Context, id uuid.UUID) error
	CompleteResumeExtraction(ctx context.Context, id uuid.UUID, text string, structured json.RawMessage, skills []store.ExtractedSkill) error
	FailResumeExtraction(ctx context.Context, id uuid.UUID, message string) error
}

type extractPayload struct {
	ResumeID uuid.UUID `json:"resume_id"`
}

// extraction is the structured shape requested from the LLM.
type extraction struct {
	Skills []struct {
		Name       string  `json:"name"`
		Confidence float32 `json:"confidence"`
	} `json:"skills"`
	Summary string `json:"summary"`
}

type extractResult struct {
	ResumeID    uuid.UUID `json:"resume_id"`
	SkillsFound int       `json:"skills_found"`
}

// ExtractSkills returns the resume-processing handler. It downloads the
// résumé object, extracts text, asks the LLM for structured skills, and
// persists the outcome together with the résumé state transition.
func ExtractSkills(d Deps) queue.Handler {
	return func(ctx context.Context, t *queue.Task) (json.RawMessage, error) {
		var p extractPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("decode payload: %w", err))
		}

		r, err := d.Resumes.GetResume(ctx, p.ResumeID)
		if err != nil {
			return nil, fmt.Errorf("load resume: %w", err)
		}
		if r == nil {
			return nil, queue.Permanent(fmt.Errorf("resume %s: not found", p.ResumeID))
		}
		if r.State == store.ResumeCompleted {
			// Redelivered job for an already-extracted résumé.
			t.Progress(100)
			return json.Marshal(extractResult{ResumeID: r.ID})
		}

		if err := d.Resumes.MarkResumeProcessing(ctx, r.ID); err != nil {
			return nil, fmt.Errorf("mark processing: %w", err)
		}
		t.Progress(10)

		data, contentType, err := d.Objects.Download(ctx, r.FilePath)
		if err != nil {
			return nil, classifyObjectErr(fmt.Errorf("download %s: %w", r.FilePath, err))
		}
		t.Progress(30)

		text := extractText(data, contentType)
		if strings.TrimSpace(text) == "" {
			err := fmt.Errorf("resume %s: no extractable text", r.ID)
			return nil, failPermanent(ctx, d, r.ID, err)
		}
		t.Progress(50)

		if err := throttleLLM(ctx, d.LLMLimiter); err != nil {
			return nil, fmt.Errorf("llm limiter: %w", err)
		}
		raw, err := d.LLM.Complete(ctx, extractionPrompt(text))
		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				return nil, failPermanent(ctx, d, r.ID, fmt.Errorf("llm: %w", err))
			}
			return nil, fmt.Errorf("llm: %w", err)
		}
		t.Progress(70)

		var ex extraction
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &ex); err != nil {
			// A malformed completion is the model's fault, not the input's;
			// another attempt may produce valid JSON.
			return nil, fmt.Errorf("decode llm extraction: %w", err)
		}
		skills := make([]store.ExtractedSkill, 0, len(ex.Skills))
		for _, sk := range ex.Skills {
			skills = append(skills, store.ExtractedSkill{Name: sk.Name, Confidence: sk.Confidence})
		}

		structured, err := json.Marshal(ex)
		if err != nil {
			return nil, queue.Permanent(fmt.Errorf("encode structured data: %w", err))
		}
		if err := d.Resumes.CompleteResumeExtraction(ctx, r.ID, text, structured, skills); err != nil {
			return nil, fmt.Errorf("persist extraction: %w", err)
		}
		t.Progress(100)

		if d.Cache != nil {
			if err := d.Cache.Invalidate(ctx, cache.ResumeKey(r.ID)); err != nil {
				t.Log().Warn("cache invalidate failed", "error", err)
			}
		}
		return json.Marshal(extractResult{ResumeID: r.ID, SkillsFound: len(skills)})
	}
}

// failPermanent records the terminal résumé state before surfacing a
// permanent error, so observers of the row never see PROCESSING outlive
// the job.
func failPermanent(ctx context.Context, d Deps, resumeID uuid.UUID, cause error) error {
	if err := d.Resumes.FailResumeExtraction(ctx, resumeID, cause.Error()); err != nil {
		// Persisting the failure failed; retry the whole attempt instead.
		return fmt.Errorf("fail resume: %w", err)
	}
	return queue.Permanent(cause)
}

func classifyObjectErr(err error) error {
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrAccessDenied) {
		return queue.Permanent(err)
	}
	return err
}

// extractText pulls plain text out of the downloaded object. Text-like
// content passes through; anything else is scanned for valid UTF-8 runs.
func extractText(data []byte, contentType string) string {
	if strings.HasPrefix(contentType, "text/") || utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r != utf8.RuneError {
			b.WriteRune(r)
		}
		data = data[size:]
	}
	return b.String()
}

func extractionPrompt(text string) string {
	return "Extract the professional skills from the resume below. " +
		`Respond with JSON only: {"skills":[{"name":"...","confidence":0.0}],"summary":"..."}` +
		"\n\n" + text
}
