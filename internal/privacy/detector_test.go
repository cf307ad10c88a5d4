package privacy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/raaihank/pii-scrubber/internal/catalog"
)

func ptr[T any](v T) *T { return &v }

func defaultDetector(t *testing.T) *Detector {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return NewDetector(catalog.Static(cat), DefaultOptions(), zap.NewNop())
}

func detectorFor(t *testing.T, opts Options, defs ...catalog.Definition) *Detector {
	t.Helper()
	cat, err := catalog.New(defs, nil)
	require.NoError(t, err)
	return NewDetector(catalog.Static(cat), opts, zap.NewNop())
}

func TestDetectEmailAndSSN(t *testing.T) {
	d := defaultDetector(t)
	text := "Contact john@example.com or call 123-45-6789"

	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	assert.Equal(t, "Contact [EMAIL_1] or call [SSN_1]", res.Redacted)
	require.Len(t, res.Matches, 2)

	email, ssn := res.Matches[0], res.Matches[1]
	assert.Equal(t, "EMAIL", email.Type)
	assert.Equal(t, 8, email.Start)
	assert.Equal(t, 24, email.End)
	assert.Equal(t, "john@example.com", email.Text)
	assert.Equal(t, "SSN", ssn.Type)
	assert.Equal(t, catalog.SeverityCritical, ssn.Severity)

	assert.Equal(t, map[string]string{
		"[EMAIL_1]": "john@example.com",
		"[SSN_1]":   "123-45-6789",
	}, res.Placeholders)
	assert.Equal(t, text, Restore(res.Redacted, res.Placeholders))
	assert.Equal(t, catalog.SeverityCritical, res.MaxSeverity())
	assert.Equal(t, map[string]int{"EMAIL": 1, "SSN": 1}, res.CountByType())
}

func TestDetectHigherPriorityWinsSameSpan(t *testing.T) {
	d := detectorFor(t, DefaultOptions(),
		catalog.Definition{Type: "NUMBER", Regex: `\d+`, Priority: ptr(10)},
		catalog.Definition{Type: "CREDIT_CARD", Regex: `\b\d{16}\b`, Priority: ptr(100)},
	)

	res, err := d.Detect(context.Background(), "card 4111111111111111 end")
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "CREDIT_CARD", res.Matches[0].Type)
	assert.Equal(t, "card [CREDIT_CARD_1] end", res.Redacted)
}

func TestDetectConflictResolution(t *testing.T) {
	t.Run("priority beats length", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "LONG", Regex: `abcdef`, Priority: ptr(10)},
			catalog.Definition{Type: "SHORT", Regex: `cd`, Priority: ptr(90)},
		)
		res, err := d.Detect(context.Background(), "abcdef")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "SHORT", res.Matches[0].Type)
		assert.Equal(t, "ab[SHORT_1]ef", res.Redacted)
	})

	t.Run("longer span wins at equal priority", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "SHORT", Regex: `bc`},
			catalog.Definition{Type: "LONG", Regex: `abcd`},
		)
		res, err := d.Detect(context.Background(), "abcd")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "LONG", res.Matches[0].Type)
	})

	t.Run("leftmost wins at equal priority and length", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "RIGHT", Regex: `bc`},
			catalog.Definition{Type: "LEFT", Regex: `ab`},
		)
		res, err := d.Detect(context.Background(), "abc")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "LEFT", res.Matches[0].Type)
		assert.Equal(t, "[LEFT_1]c", res.Redacted)
	})

	t.Run("catalog order breaks exact ties", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "FIRST", Regex: `xyz`},
			catalog.Definition{Type: "SECOND", Regex: `xyz`},
		)
		res, err := d.Detect(context.Background(), "xyz")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "FIRST", res.Matches[0].Type)
	})

	t.Run("adjacent spans both kept", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "A", Regex: `aa`},
			catalog.Definition{Type: "B", Regex: `bb`},
		)
		res, err := d.Detect(context.Background(), "aabb")
		require.NoError(t, err)
		assert.Equal(t, "[A_1][B_1]", res.Redacted)
	})
}

func TestDetectPlaceholders(t *testing.T) {
	t.Run("numbered per type in start order", func(t *testing.T) {
		d := defaultDetector(t)
		res, err := d.Detect(context.Background(), "a@x.io b@y.io 123-45-6789 c@z.io")
		require.NoError(t, err)
		assert.Equal(t, "[EMAIL_1] [EMAIL_2] [SSN_1] [EMAIL_3]", res.Redacted)
	})

	t.Run("seed", func(t *testing.T) {
		opts := DefaultOptions()
		opts.PlaceholderSeed = 7
		cat, err := catalog.Default()
		require.NoError(t, err)

		res, err := Detect(context.Background(), "a@x.io b@y.io", cat, opts)
		require.NoError(t, err)
		assert.Equal(t, "[EMAIL_7] [EMAIL_8]", res.Redacted)
	})

	t.Run("skips placeholders present in the input", func(t *testing.T) {
		d := defaultDetector(t)
		text := "literal [EMAIL_1] then a@x.io"
		res, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, "literal [EMAIL_1] then [EMAIL_2]", res.Redacted)
		assert.Equal(t, text, Restore(res.Redacted, res.Placeholders))
	})

	t.Run("custom template", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "TICKET", Regex: `TCK-\d+`, Placeholder: "<ticket #{{N}}>"},
		)
		res, err := d.Detect(context.Background(), "see TCK-42")
		require.NoError(t, err)
		assert.Equal(t, "see <ticket #1>", res.Redacted)
	})

	t.Run("templates sharing a prefix round trip", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "A", Regex: `a`, Placeholder: "<@{{N}}>"},
			catalog.Definition{Type: "B", Regex: `b`, Placeholder: "<@{{N}}1>"},
		)
		text := "a1 b"
		res, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, "<@1>1 <@11>", res.Redacted)
		assert.Equal(t, text, Restore(res.Redacted, res.Placeholders))
	})

	t.Run("undelimited templates are refused", func(t *testing.T) {
		_, err := catalog.New([]catalog.Definition{
			{Type: "A", Regex: `a`, Placeholder: "@{{N}}"},
			{Type: "B", Regex: `b`, Placeholder: "@{{N}}1"},
		}, nil)
		var catErr *catalog.CatalogError
		assert.ErrorAs(t, err, &catErr)
	})

	t.Run("unique across types sharing a template shape", func(t *testing.T) {
		d := detectorFor(t, DefaultOptions(),
			catalog.Definition{Type: "A", Regex: `aaa`, Placeholder: "<ID{{N}}>"},
			catalog.Definition{Type: "B", Regex: `bbb`, Placeholder: "<ID{{N}}>"},
		)
		res, err := d.Detect(context.Background(), "aaa bbb")
		require.NoError(t, err)
		assert.Equal(t, "<ID1> <ID2>", res.Redacted)
		assert.Equal(t, "aaa bbb", Restore(res.Redacted, res.Placeholders))
	})
}

func TestResolveManyCandidates(t *testing.T) {
	// Right-to-left acceptance order: each kept span lands before all the
	// others.
	const n = 100_000
	candidates := make([]Candidate, 0, 2*n)
	for i := 0; i < n; i++ {
		p := &catalog.Pattern{Priority: i}
		candidates = append(candidates,
			Candidate{Type: "T", Start: 2 * i, End: 2*i + 1, pattern: p},
			Candidate{Type: "T", Start: 2 * i, End: 2*i + 2, pattern: &catalog.Pattern{Priority: -1}},
		)
	}

	accepted := resolve(candidates)
	require.Len(t, accepted, n)
	for i, c := range accepted {
		require.Equal(t, 2*i, c.Start)
		require.Equal(t, 2*i+1, c.End)
	}
}

func TestDetectNoMatches(t *testing.T) {
	d := defaultDetector(t)
	res, err := d.Detect(context.Background(), "nothing sensitive here")
	require.NoError(t, err)
	assert.False(t, res.HasPII())
	assert.Equal(t, "nothing sensitive here", res.Redacted)
	assert.Empty(t, res.Placeholders)
	assert.Equal(t, catalog.Severity(""), res.MaxSeverity())

	res, err = d.Detect(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
}

func TestValidatorGate(t *testing.T) {
	t.Run("rejects failing candidates", func(t *testing.T) {
		d := defaultDetector(t)
		res, err := d.Detect(context.Background(), "card 4111 1111 1111 1112 ssn 666-12-3456")
		require.NoError(t, err)
		assert.Empty(t, res.Matches)

		res, err = d.Detect(context.Background(), "card 4111 1111 1111 1111")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "CREDIT_CARD", res.Matches[0].Type)
	})

	t.Run("keyword context", func(t *testing.T) {
		d := defaultDetector(t)
		res, err := d.Detect(context.Background(), "passport no. X12345678")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "PASSPORT", res.Matches[0].Type)

		res, err = d.Detect(context.Background(), "order X12345678")
		require.NoError(t, err)
		assert.Empty(t, res.Matches)
	})

	t.Run("context window", func(t *testing.T) {
		var seen string
		d := detectorFor(t, DefaultOptions(), catalog.Definition{
			Type:     "T",
			Regex:    `TARGET`,
			Validate: func(_, context string) bool { seen = context; return true },
		})

		text := strings.Repeat("a", 100) + "TARGET" + strings.Repeat("b", 100)
		_, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("a", 60)+"TARGET"+strings.Repeat("b", 60), seen)

		_, err = d.Detect(context.Background(), "xTARGETy")
		require.NoError(t, err)
		assert.Equal(t, "xTARGETy", seen)
	})

	t.Run("disabled skips validators", func(t *testing.T) {
		opts := DefaultOptions()
		opts.EnableContextValidation = false
		d := detectorFor(t, opts, catalog.Definition{
			Type:     "T",
			Regex:    `x`,
			Validate: func(string, string) bool { t.Fatal("validator called"); return false },
		})
		res, err := d.Detect(context.Background(), "x")
		require.NoError(t, err)
		assert.Len(t, res.Matches, 1)
	})

	t.Run("panic is contained and logged", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		cat := catalog.MustNew([]catalog.Definition{
			{Name: "boom", Type: "T", Regex: `secret\d`, Validate: func(string, string) bool { panic("bad validator") }},
			{Type: "U", Regex: `ok`},
		}, nil)
		d := NewDetector(catalog.Static(cat), DefaultOptions(), zap.New(core))

		res, err := d.Detect(context.Background(), "secret1 ok")
		require.NoError(t, err)
		require.Len(t, res.Matches, 1)
		assert.Equal(t, "U", res.Matches[0].Type)

		entries := logs.All()
		require.Len(t, entries, 1)
		assert.NotContains(t, entries[0].ContextMap()["error"], "secret1")

		var verr *ValidationError
		require.True(t, errors.As(entries[0].Context[0].Interface.(error), &verr))
		assert.Equal(t, "boom", verr.Pattern)
		assert.Equal(t, 0, verr.Start)
	})
}

func TestContextWindowRuneBoundaries(t *testing.T) {
	text := strings.Repeat("é", 40) + "X" + strings.Repeat("ü", 40)
	start := strings.Index(text, "X")

	window := contextWindow(text, start, start+1, 3)
	assert.True(t, utf8.ValidString(window))
	assert.Equal(t, "ééX"+"üü", window)

	assert.Equal(t, text, contextWindow(text, start, start+1, 1000))
}

func TestConfidence(t *testing.T) {
	cat := catalog.MustNew([]catalog.Definition{
		{Type: "A", Regex: `aaa`, Confidence: ptr(0.4)},
	}, nil)

	res, err := Detect(context.Background(), "aaa", cat, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0.4, res.Matches[0].Confidence)

	cases := map[float64]float64{2: 1, -1: 0, 0.75: 0.75}
	for raw, want := range cases {
		opts := DefaultOptions()
		opts.ConfidenceAdjuster = func(m Match) float64 {
			assert.Equal(t, 0.4, m.Confidence)
			return raw
		}
		res, err := Detect(context.Background(), "aaa", cat, opts)
		require.NoError(t, err)
		assert.Equal(t, want, res.Matches[0].Confidence)
	}
}

func TestRedact(t *testing.T) {
	d := defaultDetector(t)
	text := "mail a@x.io now"
	res, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	first, err := Redact(text, res)
	require.NoError(t, err)
	second, err := Redact(text, res)
	require.NoError(t, err)
	assert.Equal(t, res.Redacted, first)
	assert.Equal(t, first, second)

	_, err = Redact("other text", res)
	assert.ErrorIs(t, err, ErrResultMismatch)
	_, err = Redact(text, nil)
	assert.ErrorIs(t, err, ErrResultMismatch)
}

func TestRestoreLongestFirst(t *testing.T) {
	placeholders := map[string]string{
		"ID1":  "alpha",
		"ID10": "beta",
	}
	assert.Equal(t, "beta alpha", Restore("ID10 ID1", placeholders))
	assert.Equal(t, "unchanged", Restore("unchanged", nil))
}

func TestRestoreIgnoresEmptyKey(t *testing.T) {
	placeholders := map[string]string{"": "X", "[EMAIL_1]": "a@x.io"}
	assert.Equal(t, "mail a@x.io", Restore("mail [EMAIL_1]", placeholders))
	assert.Equal(t, "abc", Restore("abc", map[string]string{"": "X"}))
}

func TestDetectErrors(t *testing.T) {
	_, err := Detect(context.Background(), "text", nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoCatalog)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = defaultDetector(t).Detect(ctx, "a@x.io")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectUsesCurrentCatalog(t *testing.T) {
	src := &swappableSource{}
	src.cat = catalog.MustNew([]catalog.Definition{{Type: "A", Regex: `aaa`}}, nil)
	d := NewDetector(src, DefaultOptions(), nil)

	res, err := d.Detect(context.Background(), "aaa bbb")
	require.NoError(t, err)
	assert.Equal(t, "[A_1] bbb", res.Redacted)

	src.cat = catalog.MustNew([]catalog.Definition{{Type: "B", Regex: `bbb`}}, nil)
	res, err = d.Detect(context.Background(), "aaa bbb")
	require.NoError(t, err)
	assert.Equal(t, "aaa [B_1]", res.Redacted)
}

type swappableSource struct{ cat *catalog.Catalog }

func (s *swappableSource) Current() *catalog.Catalog { return s.cat }

func TestDetectSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	d := defaultDetector(t)
	_, err := d.Detect(context.Background(), "mail a@x.io and 123-45-6789")
	require.NoError(t, err)
	_, err = NewDetector(nil, DefaultOptions(), nil).Detect(context.Background(), "x")
	require.ErrorIs(t, err, ErrNoCatalog)

	spans := sr.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "privacy.detect", ok.Name())
	assert.Contains(t, ok.Attributes(), attribute.Int("text.bytes", len("mail a@x.io and 123-45-6789")))
	assert.Contains(t, ok.Attributes(), attribute.Int("pii.matches", 2))
	assert.Contains(t, ok.Attributes(), attribute.String("pii.max_severity", "critical"))
	assert.Equal(t, codes.Unset, ok.Status().Code)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, ErrNoCatalog.Error(), failed.Status().Description)
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{}.normalized()
	assert.Equal(t, DefaultContextWindow, o.ContextWindow)
	assert.Equal(t, 1, o.PlaceholderSeed)
	assert.False(t, o.EnableContextValidation)

	assert.True(t, DefaultOptions().EnableContextValidation)
}
